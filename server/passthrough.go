package server

import (
	"io"
	"net/http"
	"time"

	"github.com/abedhatabh-bit/studio-cache/strategy"
)

// passthroughTimeout bounds proxied bypass requests.
const passthroughTimeout = 2 * time.Minute

// hopHeaders are stripped when forwarding, per RFC 9110 section 7.6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// passthroughHandler forwards bypassed requests to their origin
// without touching the cache.
func (s *Server) passthroughHandler() http.Handler {
	client := &http.Client{
		Timeout: passthroughTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.String()
		if !r.URL.IsAbs() {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			target = scheme + "://" + r.Host + r.URL.RequestURI()
		}

		out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out.Header = r.Header.Clone()
		for _, h := range hopHeaders {
			out.Header.Del(h)
		}
		// Origin-form targets resolve against our own Host header, so a
		// forwarded request can arrive back here. The Via token lets the
		// dispatcher refuse it instead of recursing.
		out.Header.Add("Via", strategy.ViaProduct)

		resp, err := client.Do(out)
		if err != nil {
			s.logger.Warn("passthrough failed", "url", target, "error", err)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		header := w.Header()
		for k, vv := range resp.Header {
			for _, v := range vv {
				header.Add(k, v)
			}
		}
		for _, h := range hopHeaders {
			header.Del(h)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}
