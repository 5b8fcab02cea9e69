package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware inflates gzip-encoded request bodies and caps the
// inflated size at limit bytes. Bodies that are not valid gzip are
// rejected with 400.
func GzipRequestMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !acceptsGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			zr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = http.MaxBytesReader(c.Response(), inflated{zr, req.Body}, limit)
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflated struct {
	*gzip.Reader
	raw io.Closer
}

func (r inflated) Close() error {
	err := r.Reader.Close()
	if cerr := r.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
