package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/auth"
	"github.com/Tyrowin/ticko-relay/internal/bus"
	"github.com/Tyrowin/ticko-relay/internal/logger"
	"github.com/Tyrowin/ticko-relay/internal/metrics"
	"github.com/Tyrowin/ticko-relay/internal/relay"
	"github.com/Tyrowin/ticko-relay/internal/store"
)

// Service owns one relay node: the hub, its instrumentation, the optional
// Redis presence mirror and NATS bridge, and the HTTP server in front.
type Service struct {
	cfg      Config
	log      *zap.Logger
	hub      *relay.Hub
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	pumps    sync.WaitGroup

	rdb          *redis.Client
	presence     *store.RedisPresence
	mirrorCancel context.CancelFunc
	mirrorDone   chan struct{}

	bridge *bus.Bridge

	httpServer *http.Server
}

// NewService applies cfg as the active configuration and builds a node with
// no external connections. Call Connect to attach Redis and NATS.
func NewService(cfg *Config) *Service {
	SetConfig(cfg)
	active := currentConfig()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	log := logger.L().With(zap.String("node_id", active.NodeID))
	s := &Service{
		cfg:      active,
		log:      log,
		metrics:  m,
		registry: reg,
		verifier: auth.NewVerifier(active.JWTSecret),
		hub: relay.NewHub(relay.Options{
			NodeID:  active.NodeID,
			Logger:  log,
			Metrics: m,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(m),
		},
	}
	s.httpServer = CreateServer(active.Port, SetupRoutes(s))
	return s
}

// Hub returns the node's relay hub.
func (s *Service) Hub() *relay.Hub { return s.hub }

// Config returns the sanitized configuration the service runs with.
func (s *Service) Config() Config { return s.cfg }

// Connect dials the optional Redis mirror and NATS bridge named in the
// configuration and wires them into the hub.
func (s *Service) Connect(ctx context.Context) error {
	if s.cfg.Redis.Addr != "" {
		rdb, err := store.Dial(ctx, store.Config{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		s.rdb = rdb
		s.startMirror(store.NewRedisPresence(rdb, s.cfg.NodeID, s.cfg.Redis.PresenceTTL))
		s.log.Info("presence mirror enabled", zap.String("redis", s.cfg.Redis.Addr))
	}

	if s.cfg.NATS.URL != "" {
		nc, err := bus.Connect(bus.Config{
			Servers: []string{s.cfg.NATS.URL},
			Name:    "ticko-relay-" + s.cfg.NodeID,
		})
		if err != nil {
			return err
		}
		b := bus.NewBridge(nc, s.cfg.NATS.Subject, s.cfg.NodeID)
		if err := b.Start(s.hub); err != nil {
			_ = b.Close()
			return err
		}
		s.bridge = b
		s.hub.SetBridge(b)
		s.log.Info("cross-node bridge enabled", zap.String("subject", s.cfg.NATS.Subject))
	}
	return nil
}

func (s *Service) startMirror(p *store.RedisPresence) {
	ctx, cancel := context.WithCancel(context.Background())
	s.presence = p
	s.mirrorCancel = cancel
	s.mirrorDone = make(chan struct{})
	s.hub.SetMirror(p)

	go func() {
		defer close(s.mirrorDone)
		if err := p.Run(ctx); err != nil {
			s.log.Error("presence mirror stopped", zap.Error(err))
		}
	}()
}

// Handler returns the node's HTTP routes.
func (s *Service) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP on the configured port and blocks until the server
// stops. http.ErrServerClosed is returned as nil.
func (s *Service) Start() error {
	if err := StartServer(s.httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown stops accepting HTTP requests, closes every websocket, then
// stops the mirror and the bridge. The first error is returned; all steps
// run regardless.
func (s *Service) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(ShutdownServer(s.httpServer, timeout))
	record(s.hub.Shutdown(timeout))
	record(s.waitPumps(timeout))

	if s.bridge != nil {
		record(s.bridge.Close())
	}
	if s.mirrorCancel != nil {
		s.mirrorCancel()
		<-s.mirrorDone
	}
	if s.rdb != nil {
		record(errors.Wrap(s.rdb.Close(), "close redis"))
	}

	s.log.Info("relay node stopped")
	return firstErr
}

func (s *Service) waitPumps(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		s.log.Warn("websocket pumps still running after shutdown timeout")
		return context.DeadlineExceeded
	}
}
