package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the prometheus registry on its own port so scrapes
// never compete with the exchange surface.
type MetricsServer struct {
	s *http.Server
}

// Register binds the /metrics route on the given TCP port.
func (m *MetricsServer) Register(port int) {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())

	m.s = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Handler:        router,
	}
}

// Serve blocks until the server is shut down.
func (m *MetricsServer) Serve() {
	if err := m.s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Metrics server error: %s", err)
	}
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.s == nil {
		return nil
	}
	return m.s.Shutdown(ctx)
}
