// Package server wires the keyfold process: storage, the ceremony engine,
// pairing, and the gRPC health surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/ceremony"
	"github.com/keyfold/keyfold/internal/pairing"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage/sqlite"
	"github.com/keyfold/keyfold/internal/token"
	"github.com/keyfold/keyfold/internal/verifier"
)

// sweepInterval is how often expired challenges and pairing sessions are
// reaped from storage.
const sweepInterval = time.Minute

// Server hosts the keyfold service.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      *sqlite.Store
	ceremonies *ceremony.Service
	pairing    *pairing.Coordinator
}

// New creates a configured keyfold server listening on the provided port.
func New(port int) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	store, err := openStore(storePath())
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	attestor, err := verifier.New(verifier.LoadConfigFromEnv())
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("configure verifier: %w", err)
	}

	emitter := audit.NewEmitter(store)
	ceremonies := ceremony.NewService(ceremony.Options{
		Identities:  store,
		Credentials: store,
		Challenges:  store,
		Verifier:    attestor,
		Audit:       emitter,
		Tokens:      token.NewIssuer(token.LoadConfigFromEnv()),
		Lockout:     risk.LoadLockoutConfigFromEnv(),
		Config:      ceremony.LoadConfigFromEnv(),
	})
	coordinator := pairing.NewCoordinator(pairing.Options{
		Sessions:   store,
		Ceremonies: ceremonies,
		Audit:      emitter,
		Config:     pairing.LoadConfigFromEnv(),
	})

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		ceremonies: ceremonies,
		pairing:    coordinator,
	}, nil
}

// Addr returns the listener address for the keyfold server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ceremonies returns the ceremony engine hosted by this server.
func (s *Server) Ceremonies() *ceremony.Service {
	if s == nil {
		return nil
	}
	return s.ceremonies
}

// Pairing returns the cross-device pairing coordinator.
func (s *Server) Pairing() *pairing.Coordinator {
	if s == nil {
		return nil
	}
	return s.pairing
}

// Run creates and serves a keyfold server until the context ends.
func Run(ctx context.Context, port int) error {
	srv, err := New(port)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts the keyfold server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	go s.sweepLoop(serverCtx)

	log.Printf("keyfold server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		return handleErr(<-serveErr)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// sweepLoop periodically removes expired challenges and pairing sessions.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ceremonies.SweepExpired(ctx); err != nil {
				log.Printf("sweep challenges: %v", err)
			}
			if err := s.pairing.SweepExpired(ctx); err != nil {
				log.Printf("sweep pairing sessions: %v", err)
			}
		}
	}
}

func storePath() string {
	path := strings.TrimSpace(os.Getenv("KEYFOLD_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "keyfold.db")
	}
	return path
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyfold sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close keyfold store: %v", err)
		}
	}
}
