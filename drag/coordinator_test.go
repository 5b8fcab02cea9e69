package drag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docket/domain"
)

func TestCoordinatorLifecycle(t *testing.T) {
	c := NewCoordinator()
	if c.State() != Idle {
		t.Fatalf("expected idle, got %v", c.State())
	}

	item := domain.Item{ID: "7", Category: "today", Position: 1500}
	s, err := c.Start("docket", item, "docket-panel")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.ID == "" || s.Grouping != "docket" || s.Item.ID != "7" || s.Origin != "docket-panel" {
		t.Fatalf("unexpected session: %#v", s)
	}
	if !c.DraggingFrom("docket-panel") || c.DraggingFrom("task-list") {
		t.Fatalf("origin visibility wrong")
	}

	if _, err := c.Start("docket", item, "task-list"); !errors.Is(err, ErrAlreadyDragging) {
		t.Fatalf("expected ErrAlreadyDragging, got %v", err)
	}

	h := Hover{Target: "header:tomorrow", Category: "tomorrow", Index: 2, Valid: true}
	if err := c.Hover(h); err != nil {
		t.Fatalf("hover: %v", err)
	}
	if live, _ := c.Snapshot(); live.Hover != h {
		t.Fatalf("hover tracking wrong: %#v", live.Hover)
	}

	dropped, err := c.Drop()
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if dropped.Hover != h || dropped.ID != s.ID {
		t.Fatalf("unexpected dropped session: %#v", dropped)
	}
	if c.State() != Idle || c.LastOutcome() != OutcomeDropped {
		t.Fatalf("expected idle after drop")
	}
	if _, ok := c.Snapshot(); ok {
		t.Fatalf("snapshot should be empty after drop")
	}

	if err := c.Hover(h); !errors.Is(err, ErrNotDragging) {
		t.Fatalf("expected ErrNotDragging, got %v", err)
	}
	if _, err := c.Drop(); !errors.Is(err, ErrNotDragging) {
		t.Fatalf("expected ErrNotDragging, got %v", err)
	}
}

func TestCancelReturnsToIdleAndAllowsNewDrag(t *testing.T) {
	c := NewCoordinator()
	if c.Cancel() {
		t.Fatalf("cancel while idle should report false")
	}
	if _, err := c.Start("urgency", domain.Item{ID: "1"}, "task-list"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.Cancel() {
		t.Fatalf("expected cancel to end the session")
	}
	if c.LastOutcome() != OutcomeCancelled {
		t.Fatalf("unexpected outcome %q", c.LastOutcome())
	}
	if _, err := c.Start("urgency", domain.Item{ID: "2"}, "task-list"); err != nil {
		t.Fatalf("start after cancel: %v", err)
	}
}

func TestSubscribersSeeTransitions(t *testing.T) {
	c := NewCoordinator()
	ch, release := c.Subscribe()
	defer release()

	if _, err := c.Start("urgency", domain.Item{ID: "1"}, "docket-panel"); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected start signal")
	}
	if s, ok := c.Snapshot(); !ok || s.Origin != "docket-panel" {
		t.Fatalf("observer should see the live session")
	}

	c.Cancel()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected cancel signal")
	}
	if c.State() != Idle {
		t.Fatalf("observer should see idle state")
	}
}

func TestConcurrentStartsAdmitOneSession(t *testing.T) {
	c := NewCoordinator()
	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Start("urgency", domain.Item{ID: "x"}, "task-list"); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if started != 1 {
		t.Fatalf("expected exactly one session, got %d", started)
	}
}

type recordingHandler struct {
	calls []string
}

func (h *recordingHandler) BeginDrag(_ context.Context, grouping, itemID, origin string) error {
	h.calls = append(h.calls, "begin:"+grouping+":"+itemID+":"+origin)
	return nil
}

func (h *recordingHandler) HoverDrag(_ context.Context, target string) error {
	h.calls = append(h.calls, "hover:"+target)
	return nil
}

func (h *recordingHandler) EndDrag(context.Context) error {
	h.calls = append(h.calls, "end")
	return errors.New("boom")
}

func (h *recordingHandler) CancelDrag(context.Context) {
	h.calls = append(h.calls, "cancel")
}

func TestPumpRoutesPointerPrimitives(t *testing.T) {
	src := NewChanSource(8)
	ctx := context.Background()
	for _, ev := range []PointerEvent{
		{Kind: PointerDown, Grouping: "docket", ItemID: "7", Origin: "docket-panel"},
		{Kind: PointerMove, Target: "header:tomorrow"},
		{Kind: PointerUp},
		{Kind: PointerCancel},
		{Kind: "wheel"},
	} {
		if err := src.Send(ctx, ev); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	src.Close()
	if err := src.Send(ctx, PointerEvent{Kind: PointerUp}); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
	src.Close()

	h := &recordingHandler{}
	var errs []error
	Pump(ctx, src, h, func(_ PointerEvent, err error) { errs = append(errs, err) })

	want := []string{"begin:docket:7:docket-panel", "hover:header:tomorrow", "end", "cancel"}
	if len(h.calls) != len(want) {
		t.Fatalf("unexpected calls: %v", h.calls)
	}
	for i := range want {
		if h.calls[i] != want[i] {
			t.Fatalf("unexpected calls: %v", h.calls)
		}
	}
	if len(errs) != 2 {
		t.Fatalf("expected drop error and unknown-kind error, got %v", errs)
	}
}

func TestPointerKindValid(t *testing.T) {
	for _, k := range []PointerKind{PointerDown, PointerMove, PointerUp, PointerCancel} {
		if !k.Valid() {
			t.Fatalf("%s must be valid", k)
		}
	}
	if PointerKind("wheel").Valid() {
		t.Fatalf("unknown kinds must be rejected")
	}
}
