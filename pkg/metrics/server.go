package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler DefaultRegistry 的 /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}

// Server 独立的 Prometheus 抓取端口。Scheduler / Worker 进程没有
// 业务 HTTP 面，监控开启时由此暴露 /metrics。
type Server struct {
	srv *http.Server
}

// NewServer 创建并后台启动抓取服务，addr 如 ":9090"
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return &Server{srv: srv}
}

// Shutdown 停止抓取服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
