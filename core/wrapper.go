package core

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

type Wrapper struct {
	Handler *Handler
}

func (wrapper *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.WithFields(log.Fields{
		"method":     r.Method,
		"uri":        r.RequestURI,
		"user-agent": r.Header.Get("User-Agent"),
		"depth":      r.Header.Get("Depth"),
	}).Debug("webdav request")
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		// GET bodies stream in chunks and carry their own
		// Content-Length; only the write-once XML responses go
		// through the gzip wrapper
		wrapper.Handler.ServeHTTP(w, r)
		return
	}
	wrapper.Handler.ServeHTTP(&gzipWrapper{w, r, 200}, r)
}

type gzipWrapper struct {
	w          http.ResponseWriter
	r          *http.Request
	statusCode int
}

func (g *gzipWrapper) Header() http.Header {
	return g.w.Header()
}

func (g *gzipWrapper) Write(b []byte) (int, error) {
	if b == nil {
		g.w.WriteHeader(g.statusCode)
		return 0, nil
	}

	s := g.r.Header.Get("Accept-Encoding")
	for _, val := range strings.Split(s, ", ") {
		if val == "gzip" {
			g.Header().Add("Content-Encoding", "gzip")
			buf := bytes.NewBuffer(nil)
			gzipw := gzip.NewWriter(buf)

			if k, e := gzipw.Write(b); e != nil {
				return k, e
			} else if e := gzipw.Close(); e != nil {
				return k, e
			} else {
				g.w.WriteHeader(g.statusCode)
				return g.w.Write(buf.Bytes())
			}
		}
	}
	g.w.WriteHeader(g.statusCode)
	return g.w.Write(b)
}

func (g *gzipWrapper) WriteHeader(statusCode int) {
	g.statusCode = statusCode
}
