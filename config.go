package main

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

type config struct {
	Debug      bool
	ListenAddr string
	Backend    string

	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration

	StorageConn   string
	TasksTable    string
	CommandQueue  string
	Provision     bool
	ProjectorPoll time.Duration

	RedisConn           string
	CacheTTL            time.Duration
	InvalidationChannel string
	DeduperTTL          time.Duration

	DispatchWorkers int
	DispatchBuffer  int
	HandoffTimeout  time.Duration
	ToastDuration   time.Duration
	GroupingsFile   string

	Auth0Domain   string
	Auth0Audience string
	AuthSecret    string
	JWKSCacheTTL  time.Duration
}

// env reads typed values from the environment, keeping the first parse
// error.
type env struct {
	get func(string) string
	err error
}

func (e *env) str(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e *env) boolean(key string, def bool) bool {
	v := e.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *env) integer(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		e.fail(key, fmt.Errorf("must be a non-negative integer"))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.fail(key, fmt.Errorf("must be a non-negative duration"))
		return def
	}
	return d
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

// loadConfig reads the environment and lets command-line flags override it.
func loadConfig(args []string, getenv func(string) string) (config, error) {
	e := &env{get: getenv}
	var cfg config
	fs := pflag.NewFlagSet("docket", pflag.ContinueOnError)

	fs.BoolVar(&cfg.Debug, "debug", e.boolean("DEBUG", false), "enable debug logging")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", e.str("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.Backend, "store-backend", e.str("STORE_BACKEND", "rest"), "record store: rest or azure")

	fs.StringVar(&cfg.RemoteBaseURL, "remote-base-url", e.str("REMOTE_BASE_URL", ""), "case-management API base URL")
	fs.StringVar(&cfg.RemoteToken, "remote-token", e.str("REMOTE_TOKEN", ""), "bearer token for the case-management API")
	fs.DurationVar(&cfg.RemoteTimeout, "remote-timeout", e.duration("REMOTE_TIMEOUT", 15*time.Second), "timeout of remote calls")

	fs.StringVar(&cfg.StorageConn, "storage-connection-string", e.str("STORAGE_CONNECTION_STRING", ""), "Azure storage connection string")
	fs.StringVar(&cfg.TasksTable, "tasks-table", e.str("TASKS_TABLE", "records"), "records table name")
	fs.StringVar(&cfg.CommandQueue, "command-queue", e.str("COMMAND_QUEUE", "commands"), "command queue name")
	fs.BoolVar(&cfg.Provision, "provision-storage", e.boolean("PROVISION_STORAGE", false), "create the table and queue on startup")
	fs.DurationVar(&cfg.ProjectorPoll, "projector-poll", e.duration("PROJECTOR_POLL", time.Second), "command queue poll interval")

	fs.StringVar(&cfg.RedisConn, "redis-connection-string", e.str("REDIS_CONNECTION_STRING", ""), "Redis URL or host:port,password=...,ssl=true")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", e.duration("CACHE_TTL", 30*time.Second), "lifetime of cached item lists")
	fs.StringVar(&cfg.InvalidationChannel, "invalidation-channel", e.str("INVALIDATION_CHANNEL", "docket:invalidations"), "Redis channel for cache invalidations")
	fs.DurationVar(&cfg.DeduperTTL, "deduper-ttl", e.duration("DEDUPER_TTL", 24*time.Hour), "lifetime of drop idempotency keys")

	fs.IntVar(&cfg.DispatchWorkers, "dispatch-workers", e.integer("DISPATCH_WORKERS", 8), "drop mutation workers")
	fs.IntVar(&cfg.DispatchBuffer, "dispatch-buffer", e.integer("DISPATCH_BUFFER", 256), "queued drop mutations")
	fs.DurationVar(&cfg.HandoffTimeout, "dispatch-handoff-timeout", e.duration("DISPATCH_HANDOFF_TIMEOUT", 15*time.Millisecond), "wait for a free worker before running inline")
	fs.DurationVar(&cfg.ToastDuration, "toast-duration", e.duration("TOAST_DURATION", 5*time.Second), "default toast lifetime")
	fs.StringVar(&cfg.GroupingsFile, "groupings-file", e.str("GROUPINGS_FILE", ""), "YAML grouping vocabulary")

	fs.StringVar(&cfg.Auth0Domain, "auth0-domain", e.str("AUTH0_DOMAIN", ""), "Auth0 tenant domain")
	fs.StringVar(&cfg.Auth0Audience, "auth0-audience", e.str("AUTH0_AUDIENCE", ""), "expected token audience")
	fs.DurationVar(&cfg.JWKSCacheTTL, "jwks-cache-ttl", e.duration("JWKS_CACHE_TTL", 15*time.Minute), "signing key cache lifetime")

	if mode := strings.ToLower(e.get("LOCAL_AUTH_MODE")); mode != "" {
		if mode != "hs256" {
			return cfg, fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", mode)
		}
		cfg.AuthSecret = e.get("LOCAL_AUTH_SHARED_SECRET")
		if cfg.AuthSecret == "" {
			return cfg, fmt.Errorf("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	} else if e.get("AUTH0_TEST_MODE") == "1" {
		cfg.AuthSecret = e.get("TEST_JWT_SECRET")
		if cfg.AuthSecret == "" {
			return cfg, fmt.Errorf("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	}
	if e.err != nil {
		return cfg, e.err
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Backend {
	case "rest":
		if c.RemoteBaseURL == "" {
			return fmt.Errorf("missing REMOTE_BASE_URL")
		}
	case "azure":
		if c.StorageConn == "" || c.TasksTable == "" || c.CommandQueue == "" {
			return fmt.Errorf("missing storage config")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Backend)
	}
	if c.AuthSecret == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		return fmt.Errorf("missing Auth0 config")
	}
	return nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(v, "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
