package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"docket/domain"
)

type fakeQueue struct {
	msgs  []*Message
	acked []string
}

func (q *fakeQueue) push(t *testing.T, cmd Command) {
	t.Helper()
	text, err := encodeCommand(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	q.msgs = append(q.msgs, &Message{ID: cmd.ID, PopReceipt: "r", Text: text, Dequeued: 1})
}

func (q *fakeQueue) Dequeue(context.Context) (*Message, error) {
	if len(q.msgs) == 0 {
		return nil, nil
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, nil
}

func (q *fakeQueue) Ack(_ context.Context, m *Message) error {
	q.acked = append(q.acked, m.ID)
	return nil
}

type memRecords struct {
	rows   map[string]Record
	putErr error
}

func (m *memRecords) key(userID string, ref domain.Ref) string {
	return userID + "/" + rowKey(ref)
}

func (m *memRecords) GetRecord(_ context.Context, userID string, ref domain.Ref) (Record, error) {
	r, ok := m.rows[m.key(userID, ref)]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
	}
	r.Fields = r.Fields.Clone()
	return r, nil
}

func (m *memRecords) PutRecord(_ context.Context, r Record) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.rows[m.key(r.UserID, r.Ref())] = r
	return nil
}

func (m *memRecords) DeleteRecord(_ context.Context, userID string, ref domain.Ref) error {
	delete(m.rows, m.key(userID, ref))
	return nil
}

type countingEvicter struct{ users []string }

func (e *countingEvicter) EvictUser(_ context.Context, userID string) error {
	e.users = append(e.users, userID)
	return nil
}

func TestProjectorAppliesCommandsInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{}
	recs := &memRecords{rows: map[string]Record{}}
	ev := &countingEvicter{}
	p := NewProjector(q, recs, ev, time.Millisecond, logger)
	ctx := context.Background()
	ref := domain.Ref{Entity: domain.EntityTask, ID: "t1"}

	q.push(t, Command{ID: "c1", UserID: "u1", Type: CommandCreate, Entity: ref.Entity, EntityID: ref.ID, Time: 10,
		Fields: domain.Fields{"description": "Draft", "docket_category": "today", "docket_order": 1000.0}})
	q.push(t, Command{ID: "c2", UserID: "u1", Type: CommandUpdate, Entity: ref.Entity, EntityID: ref.ID, Time: 30,
		Fields: domain.Fields{"docket_category": "tomorrow", "docket_order": 1700.0}})
	q.push(t, Command{ID: "c3", UserID: "u1", Type: CommandUpdate, Entity: ref.Entity, EntityID: ref.ID, Time: 20,
		Fields: domain.Fields{"docket_category": "backburner"}})

	for i := 0; i < 3; i++ {
		if ok, err := p.Step(ctx); !ok || err != nil {
			t.Fatalf("step %d: %v %v", i, ok, err)
		}
	}
	if ok, _ := p.Step(ctx); ok {
		t.Fatalf("empty queue must report nothing processed")
	}

	r, err := recs.GetRecord(ctx, "u1", ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Fields["docket_category"] != "tomorrow" || r.Fields["docket_order"] != 1700.0 || r.Fields["description"] != "Draft" {
		t.Fatalf("stale update must not win: %#v", r.Fields)
	}
	if len(q.acked) != 3 {
		t.Fatalf("expected all messages acked, got %v", q.acked)
	}
	if len(ev.users) != 2 || ev.users[0] != "u1" {
		t.Fatalf("expected eviction per applied command only, got %v", ev.users)
	}

	q.push(t, Command{ID: "c4", UserID: "u1", Type: CommandDelete, Entity: ref.Entity, EntityID: ref.ID, Time: 40})
	p.Step(ctx)
	if _, err := recs.GetRecord(ctx, "u1", ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}
}

func TestProjectorDropsPoisonMessages(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := &fakeQueue{msgs: []*Message{{ID: "bad", Text: "{not json"}}}
	p := NewProjector(q, &memRecords{rows: map[string]Record{}}, nil, 0, logger)

	if ok, err := p.Step(context.Background()); !ok || err != nil {
		t.Fatalf("step: %v %v", ok, err)
	}
	if len(q.acked) != 1 || q.acked[0] != "bad" {
		t.Fatalf("poison message must be removed")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level.String() != "warning" {
		t.Fatalf("expected a warning for the dropped message")
	}
}

func TestProjectorKeepsFailedMessages(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := &fakeQueue{}
	recs := &memRecords{rows: map[string]Record{}, putErr: errors.New("throttled")}
	p := NewProjector(q, recs, nil, 0, logger)

	q.push(t, Command{ID: "c1", UserID: "u1", Type: CommandCreate, Entity: domain.EntityNote, EntityID: "n1", Fields: domain.Fields{"content": "x"}})
	if ok, err := p.Step(context.Background()); !ok || err != nil {
		t.Fatalf("step: %v %v", ok, err)
	}
	if len(q.acked) != 0 {
		t.Fatalf("failed apply must leave the message for redelivery")
	}
}

func TestProjectorIgnoresUpdatesForMissingRecords(t *testing.T) {
	logger, _ := test.NewNullLogger()
	recs := &memRecords{rows: map[string]Record{}}
	p := NewProjector(&fakeQueue{}, recs, nil, 0, logger)

	err := p.Apply(context.Background(), Command{ID: "c1", UserID: "u1", Type: CommandUpdate, Entity: domain.EntityTask, EntityID: "gone", Fields: domain.Fields{"status": "Done"}})
	if err != nil || len(recs.rows) != 0 {
		t.Fatalf("expected update of a missing record to be skipped, got %v", err)
	}
}

func TestProjectorRunStopsWithContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := NewProjector(&fakeQueue{}, &memRecords{rows: map[string]Record{}}, nil, time.Millisecond, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("projector did not stop")
	}
}

func TestDecodeCommandValidates(t *testing.T) {
	tests := []string{
		`{"id":"1","userId":"u","type":"create","entityType":"task"}`,
		`{"id":"1","userId":"u","type":"merge","entityType":"task","entityId":"t"}`,
		`{"id":"1","userId":"u","type":"create","entityType":"matter","entityId":"t"}`,
		`{"id":"1","type":"create","entityType":"task","entityId":"t"}`,
	}
	for _, text := range tests {
		if _, err := decodeCommand(text); err == nil {
			t.Fatalf("expected %s to be rejected", text)
		}
	}
	c, err := decodeCommand(`{"id":"1","userId":"u","type":"delete","entityType":"event","entityId":"e1","time":5}`)
	if err != nil || c.Ref() != (domain.Ref{Entity: domain.EntityEvent, ID: "e1"}) || c.Time != 5 {
		t.Fatalf("unexpected command %#v, %v", c, err)
	}
}

func TestDecodeRecordReadsTableEntity(t *testing.T) {
	r, err := decodeRecord([]byte(`{"PartitionKey":"u1","RowKey":"task_t1","EntityType":"task","EntityID":"t1","Data":"{\"status\":\"Active\"}","UpdatedAt":42}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.UserID != "u1" || r.ID != "t1" || r.Entity != domain.EntityTask || r.Fields["status"] != "Active" || r.UpdatedAt.UnixNano() != 42 {
		t.Fatalf("unexpected record: %#v", r)
	}
}
