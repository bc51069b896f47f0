package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the router for a relay node: health check,
// websocket endpoint, presence snapshot, metrics and the test page.
func SetupRoutes(s *Service) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", HealthHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)
	r.HandleFunc("/online", s.OnlineHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	return r
}
