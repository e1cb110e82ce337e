package relaysrv

import (
	"context"
	"net/http"
	"time"

	"studiorelay/audit"
	"studiorelay/internal/logging"
	"studiorelay/internal/management"
	"studiorelay/internal/ratelimit"
)

const pairingSweepInterval = 60 * time.Second

// Server wires ConnectionAdmission, DeviceRegistry, PairingStore,
// PairingGraph and MessageRouter into a runnable relay daemon, using a
// functional-options construction pattern.
type Server struct {
	registry  *DeviceRegistry
	pairings  *PairingStore
	graph     *PairingGraph
	router    *Router
	admission *Admission
	audit     *audit.Logger
	logger    *logging.Logger

	mgmt *management.Server

	stop chan struct{}
}

// Option customises Server construction.
type Option func(*Server)

// WithManagement attaches a management HTTP surface (/state, /healthz,
// /metrics) bound to bindAddr.
func WithManagement(bindAddr string) Option {
	return func(s *Server) {
		mgmt, err := management.New(bindAddr, s.snapshot, s.logger, management.WithMetrics(s.metrics))
		if err != nil {
			s.logger.Error("management server setup failed", map[string]interface{}{"error": err.Error()})
			return
		}
		s.mgmt = mgmt
	}
}

// New builds a Server. It does not listen on its own; callers serve
// Handler() from an http.Server of their choosing.
func New(auth AuthService, auditLog *audit.Logger, logger *logging.Logger, maxConnections, connectionRate, connectionBurst int, allowOrigins []string, opts ...Option) *Server {
	registry := NewDeviceRegistry()
	pairings := NewPairingStore()
	graph := NewPairingGraph()
	router := NewRouter(registry, pairings, graph, logger, auditLog)
	limiter := ratelimit.NewConnectionLimiter(maxConnections, connectionRate, connectionBurst)
	admission := NewAdmission(auth, limiter, allowOrigins, logger)

	s := &Server{
		registry:  registry,
		pairings:  pairings,
		graph:     graph,
		router:    router,
		admission: admission,
		audit:     auditLog,
		logger:    logger,
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler that serves /ws/relay; everything else
// 404s, since non-/ws/relay upgrades are rejected.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/relay", s.handleUpgrade)
	return mux
}

// Start launches the pairing-offer sweep goroutine and, if configured,
// the management HTTP server.
func (s *Server) Start() {
	s.pairings.RunSweeper(pairingSweepInterval, s.stop)
	if s.mgmt != nil {
		s.mgmt.Start()
	}
}

// Shutdown stops background goroutines and the management server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	if s.mgmt != nil {
		return s.mgmt.Close(ctx)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	admitted, ok := s.admission.Admit(w, r)
	if !ok {
		return
	}

	conn := NewConnection(admitted.conn, admitted.userID, admitted.deviceID, admitted.role, admitted.deviceName, s.logger)
	displaced := s.registry.Attach(admitted.userID, admitted.deviceID, admitted.role, admitted.deviceName, conn)
	if displaced {
		s.logger.Info("displaced prior connection", map[string]interface{}{"deviceId": admitted.deviceID})
	}

	c := caller{userID: admitted.userID, deviceID: admitted.deviceID, role: admitted.role, deviceName: admitted.deviceName, out: conn}
	s.router.OnAttach(c)

	go conn.WriteLoop()
	conn.ReadLoop(
		func(raw []byte) { s.router.Dispatch(c, raw) },
		func() {
			if s.registry.Detach(admitted.deviceID, conn) {
				s.router.OnDetach(c)
			}
			s.admission.Release()
		},
	)
}

// snapshot is exposed through the management /state endpoint.
func (s *Server) snapshot() interface{} {
	return map[string]interface{}{
		"connections":   s.registry.Len(),
		"pairingOffers": s.pairings.Len(),
		"pairRelations": s.graph.Len(),
	}
}

func (s *Server) metrics() map[string]float64 {
	return map[string]float64{
		"relay_connections_total":     float64(s.registry.Len()),
		"relay_pairing_offers_total":  float64(s.pairings.Len()),
		"relay_pair_relations_total":  float64(s.graph.Len()),
	}
}
