package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// AuthConfig selects how bearer tokens are verified. With a Secret the
// tokens are HS256 signed (local and test setups); otherwise they are
// RS256 tokens checked against JWKS.
type AuthConfig struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	Secret      []byte
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	cfg    AuthConfig
	parser *jwt.Parser
	now    func() time.Time

	keyCache sync.Map
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(cfg AuthConfig) *Auth {
	method := "RS256"
	if len(cfg.Secret) > 0 {
		method = "HS256"
	}
	return &Auth{
		cfg:    cfg,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{method}), jwt.WithoutClaimsValidation()),
		now:    time.Now,
	}
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}

	parsed, err := a.parser.Parse(token, a.key)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// one minute of clock skew
	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.cfg.Audience != "" && !claims.VerifyAudience(a.cfg.Audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.cfg.Issuer != "" && !claims.VerifyIssuer(a.cfg.Issuer, true) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) key(t *jwt.Token) (any, error) {
	if len(a.cfg.Secret) > 0 {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.cfg.Secret, nil
	}
	if a.cfg.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := t.Header["kid"].(string)
	if kid != "" && a.cfg.KeyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.cfg.JWKS.Keyfunc(t)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.cfg.KeyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.cfg.KeyCacheTTL)})
	}
	return key, nil
}

func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader returns the Authorization header, falling back to the token
// query parameter for EventSource clients that cannot set headers.
func authHeader(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if token := c.QueryParam("token"); token != "" {
		return "Bearer " + token
	}
	return ""
}
