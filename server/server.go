// Package server exposes the exporter over HTTP: job submission, job history,
// cache statistics and a websocket stream of progress events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/bibexport/cache"
	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/export"
	"github.com/teranos/bibexport/pulse"
	"github.com/teranos/bibexport/pulse/async"
	"github.com/teranos/bibexport/worker"
)

// DefaultProgressRate caps progress events per job per client
const DefaultProgressRate = rate.Limit(10)

// Exporter is the part of *export.Exporter the server uses
type Exporter interface {
	Submit(job *export.Job) (*async.Future, error)
	Queued() int
	Disabled() bool
	Health() worker.Health
}

// Config wires a Server
type Config struct {
	Exporter       Exporter
	Events         *pulse.Bus
	Cache          *cache.Facade // optional
	History        *async.Store  // optional
	AllowedOrigins []string
	ProgressRate   rate.Limit
	Logger         *zap.SugaredLogger
}

// Server is the HTTP front end
type Server struct {
	exporter       Exporter
	events         *pulse.Bus
	cache          *cache.Facade
	history        *async.Store
	allowedOrigins []string
	progressRate   rate.Limit
	logger         *zap.SugaredLogger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader

	active sync.Map // job id -> *export.Job until settled

	ctx      context.Context
	cancel   context.CancelFunc
	hubDone  chan struct{}
	httpMu   sync.Mutex
	httpSrv  *http.Server
	stopOnce sync.Once
}

// New creates a server and starts its event hub
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	events := cfg.Events
	if events == nil {
		events = pulse.NewBus()
	}
	progressRate := cfg.ProgressRate
	if progressRate <= 0 {
		progressRate = DefaultProgressRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		exporter:       cfg.Exporter,
		events:         events,
		cache:          cfg.Cache,
		history:        cfg.History,
		allowedOrigins: cfg.AllowedOrigins,
		progressRate:   progressRate,
		logger:         logger,
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		ctx:            ctx,
		cancel:         cancel,
		hubDone:        make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}

	go s.run()
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))         // Progress event stream
	mux.HandleFunc("/api/export", s.corsMiddleware(s.HandleExport))    // Submit a job (POST)
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))        // Single job (GET /api/jobs/{id})
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))        // Job history (GET)
	mux.HandleFunc("/api/cache", s.corsMiddleware(s.HandleCacheStats)) // Per-converter cache stats (GET)
	return mux
}

// ListenAndServe serves on addr until Stop
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpMu.Lock()
	s.httpSrv = srv
	s.httpMu.Unlock()

	s.logger.Infow("Server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to serve on %s", addr)
	}
	return nil
}

// Stop shuts the HTTP server and the hub down
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.httpMu.Lock()
		srv := s.httpSrv
		s.httpMu.Unlock()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
		s.cancel()
		<-s.hubDone
	})
	return err
}

// run owns the client set and fans bus events out to clients
func (s *Server) run() {
	defer close(s.hubDone)

	events := s.events.Subscribe()
	defer s.events.Unsubscribe(events)

	for {
		select {
		case <-s.ctx.Done():
			for c := range s.clients {
				close(c.send)
				delete(s.clients, c)
			}
			return
		case c := <-s.register:
			s.clients[c] = true
			s.logger.Debugw("Client connected", "client_id", c.id, "clients", len(s.clients))
		case c := <-s.unregister:
			if s.clients[c] {
				delete(s.clients, c)
				close(c.send)
				s.logger.Debugw("Client disconnected", "client_id", c.id, "clients", len(s.clients))
			}
		case e := <-events:
			for c := range s.clients {
				c.offer(e)
			}
		}
	}
}

// corsMiddleware sets CORS headers for allowed origins and answers preflights
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin accepts requests without an Origin header and origins starting
// with one of the allowed prefixes (any port)
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// Addr formats a listen address for port
func Addr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
