package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"OmniDimension/internal/observability/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 以路由模板作为 handler 标签记录请求指标，避免把动作 ID 等路径参数写入标签。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		handler := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				handler = tpl
			}
		}
		metrics.ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) rateLimit(pool *limiterPool, exemptLoopback bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pool == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := clientKey(r, s.trustForwarded)
			if !(exemptLoopback && isLoopback(key)) && !pool.Allow(key) {
				writeError(w, http.StatusTooManyRequests, "请求过于频繁，请稍后再试")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
