package storage

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"docket/domain"
)

type inbox interface {
	Dequeue(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, m *Message) error
}

type recordWriter interface {
	GetRecord(ctx context.Context, userID string, ref domain.Ref) (Record, error)
	PutRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, userID string, ref domain.Ref) error
}

type userEvicter interface {
	EvictUser(ctx context.Context, userID string) error
}

// Projector applies queued commands to the records table.
type Projector struct {
	queue   inbox
	records recordWriter
	cache   userEvicter
	poll    time.Duration
	log     *log.Logger
}

// NewProjector creates a Projector. cache may be nil.
func NewProjector(queue inbox, records recordWriter, cache userEvicter, poll time.Duration, logger *log.Logger) *Projector {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Projector{queue: queue, records: records, cache: cache, poll: poll, log: logger}
}

// Run drains the queue until ctx is done.
func (p *Projector) Run(ctx context.Context) {
	p.log.Info("projector started")
	for {
		processed, err := p.Step(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Errorf("receive: %v", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// Step handles at most one message. It reports whether a message was
// consumed. Undecodable messages are dropped; messages whose apply fails
// stay on the queue and are retried after their visibility timeout.
func (p *Projector) Step(ctx context.Context) (bool, error) {
	msg, err := p.queue.Dequeue(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	cmd, err := decodeCommand(msg.Text)
	if err != nil {
		p.log.Warnf("dropping command message %s: %v", msg.ID, err)
		return true, p.queue.Ack(ctx, msg)
	}
	if err := p.Apply(ctx, cmd); err != nil {
		p.log.WithFields(log.Fields{
			"command":  cmd.ID,
			"user":     cmd.UserID,
			"entityId": cmd.EntityID,
			"attempt":  msg.Dequeued,
		}).Errorf("apply failed: %v", err)
		return true, nil
	}
	return true, p.queue.Ack(ctx, msg)
}

// Apply writes one command to the records table and evicts the user's
// cached views.
func (p *Projector) Apply(ctx context.Context, cmd Command) error {
	ref := cmd.Ref()
	switch cmd.Type {
	case CommandCreate:
		err := p.records.PutRecord(ctx, Record{
			UserID:    cmd.UserID,
			Entity:    cmd.Entity,
			ID:        cmd.EntityID,
			Fields:    cmd.Fields.Clone(),
			UpdatedAt: time.Unix(0, cmd.Time),
		})
		if err != nil {
			return err
		}
	case CommandUpdate:
		r, err := p.records.GetRecord(ctx, cmd.UserID, ref)
		if errors.Is(err, ErrNotFound) {
			p.log.Debugf("update for missing record %s %s ignored", ref.Entity, ref.ID)
			return nil
		}
		if err != nil {
			return err
		}
		if r.UpdatedAt.UnixNano() > cmd.Time {
			p.log.Debugf("stale update %s for %s ignored", cmd.ID, ref.ID)
			return nil
		}
		if r.Fields == nil {
			r.Fields = domain.Fields{}
		}
		for k, v := range cmd.Fields {
			r.Fields[k] = v
		}
		r.UpdatedAt = time.Unix(0, cmd.Time)
		if err := p.records.PutRecord(ctx, r); err != nil {
			return err
		}
	case CommandDelete:
		if err := p.records.DeleteRecord(ctx, cmd.UserID, ref); err != nil {
			return err
		}
	}

	if p.cache != nil {
		if err := p.cache.EvictUser(ctx, cmd.UserID); err != nil {
			p.log.Warnf("cache evict failed, user: %s, err: %v", cmd.UserID, err)
		}
	}
	return nil
}
