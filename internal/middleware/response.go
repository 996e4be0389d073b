package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/maxvoron/edgegate/internal/audit"
)

// maxResponseCapture bounds how much of a response body is retained for
// the audit record. Bytes past the cap still stream to the client
// untouched; only the captured copy is truncated.
const maxResponseCapture = 1 << 20

// captureWriter tees every chunk to the client unmodified while
// accumulating a copy. It must not alter byte content, ordering, or chunk
// boundaries beyond normal buffering.
type captureWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
	buf         bytes.Buffer
	truncated   bool
}

// WriteHeader captures the status code before delegating.
func (w *captureWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write forwards the chunk and accumulates a bounded copy.
func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if room := maxResponseCapture - w.buf.Len(); room > 0 {
		if len(b) <= room {
			w.buf.Write(b)
		} else {
			w.buf.Write(b[:room])
			w.truncated = true
		}
	} else if len(b) > 0 {
		w.truncated = true
	}

	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// Flush implements http.Flusher so streaming responses keep their chunk
// visibility.
func (w *captureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ResponseCapture wraps the outgoing stream, and on completion emits one
// response audit record when the matched route asked for it. The
// orchestrator raises that flag via EnableResponseLog once the route is
// known.
func ResponseCapture(auditor audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			state := &captureState{}
			ctx := contextWithCaptureState(r.Context(), state)
			r = r.WithContext(ctx)

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if !responseLogEnabled(ctx) {
				return
			}

			details := &audit.ResponseDetails{
				StatusCode: cw.status,
				Size:       cw.size,
				Body:       cw.buf.String(),
			}

			event := audit.ResponseEvent(details, time.Since(start))
			if cw.truncated {
				event.WithMetadata("body_truncated", true)
			}

			go auditor.LogEvent(ctx, event)
		})
	}
}
