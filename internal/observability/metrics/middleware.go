package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder remembers the first status written through it. Flush and
// Hijack pass through so streaming and WebSocket handlers keep working when
// wrapped.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w}
}

// Status is 200 when the handler wrote nothing explicit.
func (rr *ResponseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	return rr.ResponseWriter.Write(b)
}

func (rr *ResponseRecorder) Flush() {
	rr.wroteHeader = true
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, buf, err := h.Hijack()
	if err == nil && !rr.wroteHeader {
		rr.status = http.StatusSwitchingProtocols
		rr.wroteHeader = true
	}
	return conn, buf, err
}

func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware observes method, route and status for every request.
// A nil recorder uses Default().
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := NewResponseRecorder(w)
		next.ServeHTTP(rr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}
