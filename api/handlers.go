package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"docket/board"
	"docket/domain"
	"docket/drag"
	"docket/reconcile"
	"docket/remote"
	"docket/storage"
	"docket/undo"
)

// Register wires up all API routes on the provided Echo instance. drops
// may be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, ws *Workspaces, auth Authenticator, drops DropLedger, logger *log.Logger) {
	e.GET("/healthz", healthz())
	e.GET("/api/groupings", getGroupings(ws))
	e.GET("/api/board/:grouping", getBoard(ws, auth))

	e.GET("/api/drag", getDrag(ws, auth))
	e.POST("/api/drag/start", postDragStart(ws, auth))
	e.POST("/api/drag/hover", postDragHover(ws, auth))
	e.POST("/api/drag/drop", postDrop(ws, auth, drops, logger))
	e.POST("/api/drag/cancel", postDragCancel(ws, auth))
	e.POST("/api/gestures", postGesture(ws, auth))

	e.GET("/api/undo", getUndo(ws, auth))
	e.POST("/api/undo", postUndo(ws, auth, logger))
	e.POST("/api/keys", postKey(ws, auth, logger))

	e.POST("/api/records", postRecord(ws, auth))
	e.PATCH("/api/records/:entity/:id", patchRecord(ws, auth))
	e.DELETE("/api/records/:entity/:id", deleteRecord(ws, auth))

	e.GET("/api/toasts", getToasts(ws, auth))
	e.DELETE("/api/toasts/:id", deleteToast(ws, auth))

	e.GET("/api/stream", streamBoard(ws, auth, logger))
}

type groupingResponse struct {
	Name       string   `json:"name"`
	Entity     string   `json:"entityType"`
	Categories []string `json:"categories,omitempty"`
	Zones      []string `json:"zones,omitempty"`
}

type dragResponse struct {
	State       string        `json:"state"`
	Session     *drag.Session `json:"session,omitempty"`
	LastOutcome drag.Outcome  `json:"lastOutcome,omitempty"`
	Zones       []string      `json:"zones,omitempty"`
}

type mutationResponse struct {
	Kind        reconcile.MutationKind `json:"kind"`
	EntityType  domain.EntityType      `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Fields      domain.Fields          `json:"fields"`
	Description string                 `json:"description,omitempty"`
}

type dropResponse struct {
	Noop      bool              `json:"noop"`
	Reason    string            `json:"reason,omitempty"`
	Mutation  *mutationResponse `json:"mutation,omitempty"`
	Renumber  int               `json:"renumber,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

type undoResponse struct {
	Undone *domain.UndoAction `json:"undone,omitempty"`
}

type keyResponse struct {
	Handled bool               `json:"handled"`
	Undone  *domain.UndoAction `json:"undone,omitempty"`
}

type recordResponse struct {
	ID     string             `json:"id,omitempty"`
	Action *domain.UndoAction `json:"action,omitempty"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// statusFor maps domain and store errors to HTTP status codes.
func statusFor(err error) int {
	var se *remote.StatusError
	switch {
	case errors.Is(err, drag.ErrAlreadyDragging), errors.Is(err, drag.ErrNotDragging), errors.Is(err, undo.ErrUndoInProgress):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrUnknownGrouping), errors.Is(err, board.ErrItemNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownEntity), errors.Is(err, undo.ErrNotUndoable):
		return http.StatusBadRequest
	case errors.Is(err, drag.ErrSourceClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		if se.Code == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.String(status, err.Error())
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, MaxBodySize))
	return dec.Decode(v)
}

func userFrom(c echo.Context, auth Authenticator) (string, error) {
	return auth.UserIDFromAuthHeader(authHeader(c))
}

func getGroupings(ws *Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		var out []groupingResponse
		for _, g := range ws.Groupings() {
			r := groupingResponse{Name: g.Name, Entity: string(g.Entity), Categories: g.Categories}
			for _, z := range g.Zones {
				r.Zones = append(r.Zones, z.Name)
			}
			out = append(out, r)
		}
		return c.JSON(http.StatusOK, out)
	}
}

func getBoard(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		view, err := ws.Board(userID).View(c.Request().Context(), c.Param("grouping"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func dragState(b *board.Board) dragResponse {
	d := b.Drag()
	resp := dragResponse{State: d.State().String(), LastOutcome: d.LastOutcome()}
	if s, ok := d.Snapshot(); ok {
		resp.Session = &s
		resp.Zones = b.Zones()
	}
	return resp
}

func getDrag(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, dragState(ws.Board(userID)))
	}
}

func postDragStart(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req startDragRequest
		if err := decodeBody(c, &req); err != nil || req.Grouping == "" || req.ItemID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		s, err := ws.Board(userID).StartDrag(c.Request().Context(), req.Grouping, req.ItemID, req.Origin)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, s)
	}
}

func postDragHover(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req hoverRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		h, err := ws.Board(userID).HoverDrag(c.Request().Context(), req.Target)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, h)
	}
}

func postDragCancel(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ws.Board(userID).CancelDrag()
		return c.NoContent(http.StatusNoContent)
	}
}

func postGesture(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var ev drag.PointerEvent
		if err := decodeBody(c, &ev); err != nil || !ev.Kind.Valid() {
			return c.String(http.StatusBadRequest, "invalid pointer event")
		}
		if ev.Kind == drag.PointerDown && (ev.Grouping == "" || ev.ItemID == "") {
			return c.String(http.StatusBadRequest, "pointer down requires grouping and itemId")
		}
		if err := ws.Gesture(c.Request().Context(), userID, ev); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postDrop(ws *Workspaces, auth Authenticator, drops DropLedger, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/drag/drop", "drop")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := userFrom(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		key := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
		metrics.SetBool("idempotency_key_provided", key != "")
		ledgered := false
		if key != "" && drops != nil {
			claimed, prior, lerr := drops.Claim(ctx, userID, key)
			switch {
			case lerr != nil:
				// Redis is unavailable: apply without deduplication.
				logger.Warnf("drop ledger claim failed, user: %s, err: %v", userID, lerr)
			case !claimed:
				metrics.SetBool("duplicate", true)
				return c.JSON(http.StatusOK, replayed(prior))
			default:
				ledgered = true
			}
		}

		opStart := time.Now()
		plan, dropErr := ws.Board(userID).Drop(ctx)
		metrics.ObserveOp(time.Since(opStart))
		if dropErr != nil {
			if ledgered {
				if rerr := drops.Release(context.WithoutCancel(ctx), userID, key); rerr != nil {
					logger.Errorf("drop ledger release failed, err: %v, key: %s, user: %s", rerr, key, userID)
				}
			}
			metrics.SetErrorStage("drop")
			if statusFor(dropErr) >= http.StatusInternalServerError {
				err = dropErr
			}
			return fail(c, dropErr)
		}

		resp := dropResponse{Noop: plan.Noop(), Reason: plan.Reason, Renumber: len(plan.Renumber)}
		metrics.SetBool("noop", plan.Noop())
		if m := plan.Mutation; m != nil {
			resp.Mutation = &mutationResponse{
				Kind:        m.Kind,
				EntityType:  m.Ref.Entity,
				EntityID:    m.Ref.ID,
				Fields:      m.Fields(),
				Description: m.Description,
			}
			metrics.SetString("mutation", string(m.Kind))
			metrics.SetInt("renumbered", len(plan.Renumber))
		}
		if ledgered {
			if data, merr := sonic.Marshal(resp); merr == nil {
				if serr := drops.Settle(context.WithoutCancel(ctx), userID, key, data); serr != nil {
					logger.Warnf("drop ledger settle failed, key: %s, user: %s, err: %v", key, userID, serr)
				}
			}
		}
		return c.JSON(http.StatusAccepted, resp)
	}
}

// replayed answers a retried drop with the first response, or with a bare
// duplicate marker while the first request has not settled.
func replayed(prior []byte) dropResponse {
	var resp dropResponse
	if len(prior) == 0 || sonic.Unmarshal(prior, &resp) != nil {
		resp = dropResponse{Noop: true}
	}
	resp.Duplicate = true
	return resp
}

func getUndo(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, ws.Board(userID).History())
	}
}

func postUndo(ws *Workspaces, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/undo", "undo")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := userFrom(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		opStart := time.Now()
		a, undoErr := ws.Board(userID).Undo(ctx)
		metrics.ObserveOp(time.Since(opStart))
		metrics.SetBool("empty", a == nil)
		if a != nil {
			metrics.SetString("entity_type", string(a.EntityType))
			metrics.SetString("action_type", string(a.ActionType))
		}
		if undoErr != nil {
			metrics.SetErrorStage("undo")
			if statusFor(undoErr) >= http.StatusInternalServerError {
				err = undoErr
			}
			return fail(c, undoErr)
		}
		if a != nil {
			ws.Invalidated(userID)
		}
		return c.JSON(http.StatusOK, undoResponse{Undone: a})
	}
}

func postKey(ws *Workspaces, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req keyRequest
		if err := decodeBody(c, &req); err != nil || req.Key == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		handled, a, err := ws.Board(userID).HandleKey(c.Request().Context(), req.Platform, undo.KeyEvent{
			Key:             req.Key,
			Ctrl:            req.Ctrl,
			Meta:            req.Meta,
			Shift:           req.Shift,
			Alt:             req.Alt,
			FocusTag:        req.FocusTag,
			ContentEditable: req.ContentEditable,
		})
		if err != nil {
			logger.Debugf("key %q failed, user: %s, err: %v", req.Key, userID, err)
			return fail(c, err)
		}
		if a != nil {
			ws.Invalidated(userID)
		}
		return c.JSON(http.StatusOK, keyResponse{Handled: handled, Undone: a})
	}
}

func recordRef(c echo.Context) (domain.Ref, bool) {
	ref := domain.Ref{Entity: domain.EntityType(c.Param("entity")), ID: c.Param("id")}
	return ref, ref.Entity.Valid() && ref.ID != ""
}

func postRecord(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req addRequest
		if err := decodeBody(c, &req); err != nil || req.Grouping == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id, err := ws.Board(userID).Add(c.Request().Context(), req.Grouping, req.Category, req.Fields)
		if err != nil {
			return fail(c, err)
		}
		ws.Invalidated(userID)
		return c.JSON(http.StatusCreated, recordResponse{ID: id})
	}
}

func patchRecord(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ref, ok := recordRef(c)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid record")
		}
		var req editRequest
		if err := decodeBody(c, &req); err != nil || len(req.Fields) == 0 {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		a, err := ws.Board(userID).Edit(c.Request().Context(), ref, req.Fields, req.Description)
		if err != nil {
			return fail(c, err)
		}
		ws.Invalidated(userID)
		return c.JSON(http.StatusOK, recordResponse{ID: ref.ID, Action: a})
	}
}

func deleteRecord(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ref, ok := recordRef(c)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid record")
		}
		a, err := ws.Board(userID).Delete(c.Request().Context(), ref, c.QueryParam("description"))
		if err != nil {
			return fail(c, err)
		}
		ws.Invalidated(userID)
		return c.JSON(http.StatusOK, recordResponse{ID: ref.ID, Action: a})
	}
}

func getToasts(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, ws.Board(userID).Toasts().Active())
	}
}

func deleteToast(ws *Workspaces, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if !ws.Board(userID).Toasts().Dismiss(c.Param("id")) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
