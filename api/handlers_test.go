package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	miniredis "github.com/alicebob/miniredis/v2"

	"docket/board"
	"docket/domain"
	"docket/drag"
	"docket/reconcile"
	"docket/remote"
	"docket/storage"
	"docket/undo"
)

type storeCall struct {
	op     string
	ref    domain.Ref
	fields domain.Fields
}

// taskStore keeps tasks as raw field maps keyed by id.
type taskStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Fields
	calls []storeCall
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: map[string]domain.Fields{
		"1": {"case_id": 3.0, "description": "Draft brief", "status": "Pending", "urgency": 2.0, "sort_order": 1000.0, "docket_category": "today", "docket_order": 1000.0},
		"2": {"case_id": 3.0, "description": "Call clerk", "status": "Pending", "urgency": 2.0, "sort_order": 2000.0, "docket_category": "today", "docket_order": 1500.0},
		"4": {"case_id": 3.0, "description": "Serve notice", "status": "Active", "urgency": 1.0, "sort_order": 1000.0, "docket_category": "tomorrow", "docket_order": 500.0},
		"5": {"case_id": 3.0, "description": "Review", "status": "Active", "urgency": 1.0, "sort_order": 2000.0, "docket_category": "tomorrow", "docket_order": 700.0},
	}}
}

func (s *taskStore) write(op string, ref domain.Ref, fields domain.Fields) {
	s.calls = append(s.calls, storeCall{op: op, ref: ref, fields: fields})
	for k, v := range fields {
		s.tasks[ref.ID][k] = v
	}
}

func (s *taskStore) UpdateOrderable(_ context.Context, ref domain.Ref, u domain.OrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write("order", ref, u.Fields())
	return nil
}

func (s *taskStore) SetField(_ context.Context, ref domain.Ref, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write("set", ref, domain.Fields{field: value})
	return nil
}

func (s *taskStore) Update(_ context.Context, ref domain.Ref, fields domain.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write("update", ref, fields)
	return nil
}

func (s *taskStore) Create(_ context.Context, entity domain.EntityType, input any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{op: "create", ref: domain.Ref{Entity: entity}})
	id := "new"
	f, _ := input.(domain.Fields)
	s.tasks[id] = f.Clone()
	return id, nil
}

func (s *taskStore) Delete(_ context.Context, ref domain.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{op: "delete", ref: ref})
	delete(s.tasks, ref.ID)
	return nil
}

func (s *taskStore) Get(_ context.Context, ref domain.Ref) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.tasks[ref.ID]
	if !ok {
		return nil, &remote.StatusError{Method: http.MethodGet, Path: "/tasks/" + ref.ID, Code: http.StatusNotFound}
	}
	return domain.Task{
		CaseID:      int(f["case_id"].(float64)),
		Description: f["description"].(string),
		Status:      f["status"].(string),
	}, nil
}

func (s *taskStore) FetchItems(_ context.Context, g reconcile.Grouping) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.Item, 0, len(s.tasks))
	for id, f := range s.tasks {
		items = append(items, g.Item(id, f.Clone()))
	}
	return items, nil
}

func (s *taskStore) callsOf(op string) []storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storeCall
	for _, c := range s.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type stubAuth struct{}

func (stubAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	return "user-1", nil
}

type testServer struct {
	e      *echo.Echo
	ws     *Workspaces
	store  *taskStore
	logger *log.Logger
	hook   *test.Hook
}

func newTestServer(t *testing.T, drops DropLedger) *testServer {
	t.Helper()
	rec, err := reconcile.New(reconcile.DefaultGroupings())
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	logger, hook := test.NewNullLogger()
	store := newTaskStore()
	ws := NewWorkspaces(rec, func(string) board.RemoteStore { return store }, board.Options{Logger: logger})
	t.Cleanup(ws.Close)

	e := echo.New()
	Register(e, ws, stubAuth{}, drops, logger)
	return &testServer{e: e, ws: ws, store: store, logger: logger, hook: hook}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) dragToTomorrow(t *testing.T, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	if rec := s.do(t, http.MethodPost, "/api/drag/start", `{"grouping":"docket","itemId":"2","origin":"docket-panel"}`); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/api/drag/hover", `{"target":"header:tomorrow"}`); rec.Code != http.StatusOK {
		t.Fatalf("hover: %d %s", rec.Code, rec.Body.String())
	}
	return s.do(t, http.MethodPost, "/api/drag/drop", "", headers...)
}

func TestDropAndUndoOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.dragToTomorrow(t)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("drop: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[dropResponse](t, rec)
	if resp.Noop || resp.Mutation == nil || resp.Mutation.EntityID != "2" {
		t.Fatalf("unexpected drop response: %#v", resp)
	}
	if resp.Mutation.Fields["docket_category"] != "tomorrow" || resp.Mutation.Fields["docket_order"] != 1700.0 {
		t.Fatalf("unexpected mutation fields: %#v", resp.Mutation.Fields)
	}
	if orders := s.store.callsOf("order"); len(orders) != 1 {
		t.Fatalf("expected the drop to reach the store, got %#v", orders)
	}

	rec = s.do(t, http.MethodGet, "/api/undo", "")
	if hist := decode[[]domain.UndoAction](t, rec); len(hist) != 1 || hist[0].EntityID != "2" {
		t.Fatalf("unexpected history: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/api/undo", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("undo: %d %s", rec.Code, rec.Body.String())
	}
	if u := decode[undoResponse](t, rec); u.Undone == nil || u.Undone.EntityID != "2" {
		t.Fatalf("unexpected undo response: %s", rec.Body.String())
	}
	updates := s.store.callsOf("update")
	if len(updates) != 1 || updates[0].fields["docket_category"] != "today" || updates[0].fields["docket_order"] != 1500.0 {
		t.Fatalf("unexpected undo call: %#v", updates)
	}

	rec = s.do(t, http.MethodPost, "/api/undo", "")
	if rec.Code != http.StatusOK || decode[undoResponse](t, rec).Undone != nil {
		t.Fatalf("undo on empty history must do nothing, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDropWithoutDragConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/drag/drop", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDropIdempotencyKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	s := newTestServer(t, NewRedisDropLedger(rc, time.Hour))
	if rec := s.dragToTomorrow(t, "Idempotency-Key", "drop-1"); rec.Code != http.StatusAccepted {
		t.Fatalf("first drop: %d %s", rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodPost, "/api/drag/drop", "", "Idempotency-Key", "drop-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected duplicate response, got %d %s", rec.Code, rec.Body.String())
	}
	if dup := decode[dropResponse](t, rec); !dup.Duplicate || dup.Mutation == nil || dup.Mutation.EntityID != "2" {
		t.Fatalf("duplicate must replay the first response, got %s", rec.Body.String())
	}
	if orders := s.store.callsOf("order"); len(orders) != 1 {
		t.Fatalf("duplicate drop must not reach the store, got %d calls", len(orders))
	}

	// a failed drop releases its key
	rec = s.do(t, http.MethodPost, "/api/drag/drop", "", "Idempotency-Key", "drop-2")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if mr.Exists("drop:user-1:drop-2") {
		t.Fatalf("key of a failed drop must be removed")
	}
}

func TestDropEmitsObservabilityEvent(t *testing.T) {
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	s := newTestServer(t, nil)
	s.dragToTomorrow(t)
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var found bool
	for _, entry := range s.hook.AllEntries() {
		if entry.Message == observabilityEvent && entry.Data["event.name"] == "docket.drop.request" {
			found = true
			attrs := entry.Data["attributes"].(map[string]any)
			if attrs["docket.drop.mutation"] != "reorder" || attrs["http.status_code"] != int64(http.StatusAccepted) {
				t.Fatalf("unexpected attributes: %#v", attrs)
			}
		}
	}
	if !found {
		t.Fatalf("expected a drop observability event")
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "docket.drop" {
		t.Fatalf("expected one drop span, got %d", len(spans))
	}
}

func TestUnauthorizedRequests(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/board/docket", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if s.ws.Len() != 0 {
		t.Fatalf("unauthenticated requests must not open workspaces")
	}
}

func TestGetBoardView(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/board/docket", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("view: %d %s", rec.Code, rec.Body.String())
	}
	v := decode[board.View](t, rec)
	if len(v.Columns) != 3 || v.Columns[0].Category != "today" || len(v.Columns[0].Items) != 2 {
		t.Fatalf("unexpected view: %#v", v)
	}
	if v.Columns[1].Items[0].ID != "4" || v.Columns[2].Category != "backburner" || len(v.Columns[2].Items) != 0 {
		t.Fatalf("unexpected view: %#v", v)
	}

	if rec := s.do(t, http.MethodGet, "/api/board/matters", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown grouping, got %d", rec.Code)
	}
}

func TestRecordEditDeleteAndUndo(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPatch, "/api/records/task/4", `{"fields":{"status":"Blocked"},"description":"Block notice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", rec.Code, rec.Body.String())
	}
	if a := decode[recordResponse](t, rec).Action; a == nil || a.PreviousData["status"] != "Active" {
		t.Fatalf("unexpected edit response: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodDelete, "/api/records/task/5?description=Review", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/api/undo", "")
	if u := decode[undoResponse](t, rec); u.Undone == nil || u.Undone.ActionType != domain.ActionDelete {
		t.Fatalf("expected delete to be undone first, got %s", rec.Body.String())
	}
	if creates := s.store.callsOf("create"); len(creates) != 1 || creates[0].ref.Entity != domain.EntityTask {
		t.Fatalf("expected re-creation, got %#v", creates)
	}

	if rec := s.do(t, http.MethodPatch, "/api/records/matter/1", `{"fields":{"a":1}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown entity, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/records/task/99", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", rec.Code)
	}
}

func TestAddRecordAppendsToCategory(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/records", `{"grouping":"docket","category":"tomorrow","fields":{"case_id":3,"description":"New"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	s.store.mu.Lock()
	created := s.store.tasks["new"]
	s.store.mu.Unlock()
	if created["docket_category"] != "tomorrow" || created["docket_order"] != 1700.0 {
		t.Fatalf("unexpected created record: %#v", created)
	}
}

func TestKeyShortcuts(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/drag/start", `{"grouping":"docket","itemId":"2","origin":"docket-panel"}`)

	rec := s.do(t, http.MethodPost, "/api/keys", `{"key":"Escape"}`)
	if !decode[keyResponse](t, rec).Handled {
		t.Fatalf("escape must cancel the drag: %s", rec.Body.String())
	}
	rec = s.do(t, http.MethodGet, "/api/drag", "")
	if d := decode[dragResponse](t, rec); d.State != "idle" || d.LastOutcome != "cancelled" {
		t.Fatalf("unexpected drag state: %#v", d)
	}

	rec = s.do(t, http.MethodPost, "/api/keys", `{"platform":"linux","key":"z","ctrl":true,"focusTag":"input"}`)
	if decode[keyResponse](t, rec).Handled {
		t.Fatalf("undo shortcut must be ignored while editing")
	}
}

func TestToastsListAndDismiss(t *testing.T) {
	s := newTestServer(t, nil)
	s.dragToTomorrow(t)

	rec := s.do(t, http.MethodGet, "/api/toasts", "")
	toasts := decode[[]map[string]any](t, rec)
	if len(toasts) != 1 {
		t.Fatalf("expected the undo toast, got %s", rec.Body.String())
	}
	id, _ := toasts[0]["id"].(string)
	if rec := s.do(t, http.MethodDelete, "/api/toasts/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/toasts/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second dismiss: %d", rec.Code)
	}
}

func TestStreamSendsInitialState(t *testing.T) {
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream?token=a.b.c", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.e.ServeHTTP(rec, req)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for s.ws.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		s.ws.Invalidated("user-1")
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	body := rec.Body.String()
	for _, want := range []string{"event: drag\n", "event: toasts\n", "event: invalidate\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in stream, got %q", want, body)
		}
	}
	if rec.Header().Get(echo.HeaderContentType) != "text/event-stream" {
		t.Fatalf("unexpected content type %q", rec.Header().Get(echo.HeaderContentType))
	}
}

func TestGestureFeedDrivesDrop(t *testing.T) {
	s := newTestServer(t, nil)
	for _, body := range []string{
		`{"kind":"down","grouping":"docket","itemId":"2","origin":"docket-panel"}`,
		`{"kind":"move","target":"header:tomorrow"}`,
		`{"kind":"up"}`,
	} {
		if rec := s.do(t, http.MethodPost, "/api/gestures", body); rec.Code != http.StatusAccepted {
			t.Fatalf("gesture %s: %d %s", body, rec.Code, rec.Body.String())
		}
	}

	deadline := time.Now().Add(time.Second)
	for len(s.store.callsOf("order")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("gestures did not produce a drop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.store.callsOf("order")[0].fields; got["docket_category"] != "tomorrow" {
		t.Fatalf("unexpected update: %#v", got)
	}
}

func TestGestureRejectsMalformedEvents(t *testing.T) {
	s := newTestServer(t, nil)
	for _, body := range []string{`{"kind":"wheel"}`, `{"kind":"down","grouping":"docket"}`, `not json`} {
		if rec := s.do(t, http.MethodPost, "/api/gestures", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestDragStateListsZonesForOrigin(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(t, http.MethodPost, "/api/drag/start", `{"grouping":"docket","itemId":"1","origin":"task-list"}`); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[dragResponse](t, s.do(t, http.MethodGet, "/api/drag", ""))
	if len(resp.Zones) != 1 || resp.Zones[0] != "done" {
		t.Fatalf("remove zone must be hidden for task-list drags: %#v", resp.Zones)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{undo.ErrUndoInProgress, http.StatusConflict},
		{reconcile.ErrUnknownGrouping, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{domain.ErrUnknownEntity, http.StatusBadRequest},
		{&remote.StatusError{Code: http.StatusServiceUnavailable}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{drag.ErrSourceClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWatchForwardsInvalidations(t *testing.T) {
	s := newTestServer(t, nil)
	views, stop := s.ws.SubscribeViews("user-1")
	defer stop()

	ch := make(chan storage.Invalidation, 1)
	ch <- storage.Invalidation{UserID: "user-1", Keys: []string{"docket"}}
	close(ch)
	s.ws.Watch(context.Background(), ch)

	select {
	case <-views:
	default:
		t.Fatalf("expected a view signal")
	}
}
