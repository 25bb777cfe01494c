package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/availability"
	"github.com/example/delivery-dispatch/internal/broadcaster"
	"github.com/example/delivery-dispatch/internal/lifecycle"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/ratelimit"
	"github.com/example/delivery-dispatch/internal/relay"
)

// LocationPublisher forwards accepted pings downstream (Kafka).
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// ReadyCheck reports whether a backing service is reachable.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Registry    availability.Registry
	Broadcaster *broadcaster.Broadcaster
	Lifecycle   *lifecycle.Machine
	Relay       *relay.Relay
	Limiter     *ratelimit.Limiter
	Hub         *notify.Hub
	Locations   LocationPublisher // optional
	Ready       []ReadyCheck
	Logger      *slog.Logger
}

type Server struct {
	registry    availability.Registry
	broadcaster *broadcaster.Broadcaster
	lifecycle   *lifecycle.Machine
	relay       *relay.Relay
	limiter     *ratelimit.Limiter
	hub         *notify.Hub
	locations   LocationPublisher
	ready       []ReadyCheck
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	mux         *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		registry:    d.Registry,
		broadcaster: d.Broadcaster,
		lifecycle:   d.Lifecycle,
		relay:       d.Relay,
		limiter:     d.Limiter,
		hub:         d.Hub,
		locations:   d.Locations,
		ready:       d.Ready,
		logger:      d.Logger,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/driver/status", s.limited(ratelimit.EndpointStatus, s.handleDriverStatus)).Methods(http.MethodPut)
	s.mux.Handle("/driver/location", s.limited(ratelimit.EndpointLocation, s.handleDriverLocation)).Methods(http.MethodPut)
	s.mux.Handle("/driver/accept-delivery/{requestId}", s.limited(ratelimit.EndpointAccept, s.handleDecision(true))).Methods(http.MethodPost)
	s.mux.Handle("/driver/decline-delivery/{requestId}", s.limited(ratelimit.EndpointAccept, s.handleDecision(false))).Methods(http.MethodPost)
	s.mux.Handle("/driver/delivery/{deliveryId}/status", s.limited(ratelimit.EndpointStatus, s.handleDeliveryStatus)).Methods(http.MethodPut)

	s.mux.Handle("/auto-assignment/request", s.limited(ratelimit.EndpointDispatch, s.handleDispatch)).Methods(http.MethodPost)
	s.mux.Handle("/auto-assignment/available-orders", s.limited(ratelimit.EndpointGeneral, s.handleAvailableOrders)).Methods(http.MethodGet)
	s.mux.Handle("/auto-assignment/status/{orderId}", s.limited(ratelimit.EndpointGeneral, s.handleRequestStatus)).Methods(http.MethodGet)
	s.mux.Handle("/auto-assignment/cancel/{orderId}", s.limited(ratelimit.EndpointDispatch, s.handleCancelRequest)).Methods(http.MethodPost)

	s.mux.Handle("/deliveries/{deliveryId}", s.limited(ratelimit.EndpointGeneral, s.handleGetDelivery)).Methods(http.MethodGet)
	s.mux.Handle("/ws/{userId}", s.limited(ratelimit.EndpointGeneral, s.handleWS)).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
