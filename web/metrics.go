package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	requestsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalserver_requests_total",
		Help: "Number of HTTP requests handled, by method and path template",
	}, []string{"method", "path"})
	messagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalserver_messages_accepted_total",
		Help: "Number of messages accepted for delivery",
	})
	preKeyBundlesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalserver_prekey_bundles_served_total",
		Help: "Number of prekey bundles served",
	})
)

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The path template rather than the raw path, to keep recipient
		// identifiers out of the metrics.
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				path = template
			}
		}
		requestsHandled.WithLabelValues(r.Method, path).Inc()
		next.ServeHTTP(w, r)
	})
}

// MetricsServer serves prometheus metrics on a separate listener so the
// metrics port can stay internal.
type MetricsServer struct {
	log    zerolog.Logger
	server *http.Server
}

func NewMetricsServer(log zerolog.Logger, addr string) *MetricsServer {
	return &MetricsServer{
		log:    log,
		server: &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadTimeout: 10 * time.Second},
	}
}

func (ms *MetricsServer) Start() {
	go func() {
		ms.log.Info().Str("address", ms.server.Addr).Msg("Metrics listening")
		err := ms.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.log.Err(err).Msg("Metrics server failed")
		}
	}()
}

func (ms *MetricsServer) Stop(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
