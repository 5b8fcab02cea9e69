package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const streamKeepAlive = 25 * time.Second

// streamBoard pushes the user's drag state, active toasts and record
// changes as server-sent events. Each event carries the full current value
// so clients can drop missed ones.
func streamBoard(ws *Workspaces, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := userFrom(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		b := ws.Board(userID)
		dragCh, stopDrag := b.Drag().Subscribe()
		defer stopDrag()
		toastCh, stopToasts := b.Toasts().Subscribe()
		defer stopToasts()
		viewCh, stopViews := ws.SubscribeViews(userID)
		defer stopViews()

		send := func(event string, v any) error {
			data, err := sonic.Marshal(v)
			if err != nil {
				return err
			}
			w := c.Response()
			if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		if err := send("drag", dragState(b)); err != nil {
			return err
		}
		if err := send("toasts", b.Toasts().Active()); err != nil {
			return err
		}

		ctx := c.Request().Context()
		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()
		for {
			var err error
			select {
			case <-ctx.Done():
				return nil
			case <-dragCh:
				err = send("drag", dragState(b))
			case <-toastCh:
				err = send("toasts", b.Toasts().Active())
			case <-viewCh:
				err = send("invalidate", map[string]string{"user": userID})
			case <-keepAlive.C:
				_, err = c.Response().Write([]byte(": ping\n\n"))
				flusher.Flush()
			}
			if err != nil {
				logger.Debugf("stream closed, user: %s, err: %v", userID, err)
				return nil
			}
		}
	}
}
