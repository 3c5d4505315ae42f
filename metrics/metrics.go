// Package metrics exposes the Prometheus scrape endpoint for the BBO service.
package metrics

import (
	"net/http"
	"time"
)

// NewMetricsServer 构造独立的 /metrics 服务器，启动与关闭由调用方负责。
func NewMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/metrics", http.StatusFound)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
