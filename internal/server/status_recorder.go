package server

import (
	"net/http"

	"github.com/matheuscscp/open-finance-portal/internal/kv"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) getStatusCode() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

// cookieWriter emits the pending cookie writes of a browser session right
// before the response header goes out.
type cookieWriter struct {
	http.ResponseWriter
	jar     *kv.CookieJar
	flushed bool
}

func (c *cookieWriter) WriteHeader(statusCode int) {
	c.flush()
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *cookieWriter) Write(b []byte) (int, error) {
	c.flush()
	return c.ResponseWriter.Write(b)
}

func (c *cookieWriter) flush() {
	if c.flushed {
		return
	}
	c.flushed = true
	c.jar.Flush(c.ResponseWriter)
}
