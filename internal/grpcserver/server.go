// Package grpcserver runs the gRPC health endpoint each service exposes next to its HTTP API.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"droneFoodDelivery/internal/auth"
	"droneFoodDelivery/models"
)

const (
	healthCheckMethod   = "/grpc.health.v1.Health/Check"
	defaultPingInterval = 10 * time.Second
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options configures the health server.
type Options struct {
	Address      string
	Service      string // reported alongside the overall "" status
	JWTSecret    string
	DB           Pinger
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Server is a running health server.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
	stop   context.CancelFunc
	done   chan struct{}
}

// Start listens on opts.Address and serves grpc.health.v1. Serving status follows periodic
// database pings. Every other method requires a bearer token.
func Start(opts Options) (*Server, error) {
	lis, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return nil, err
	}
	return serve(lis, opts), nil
}

func serve(lis net.Listener, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}

	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.NewUnaryAuthInterceptor(auth.InterceptorOptions{
		Secret: opts.JWTSecret,
		Public: []string{healthCheckMethod},
		Roles:  []models.Role{models.RoleService, models.RoleAdmin},
		Logger: logger,
	})))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{srv: srv, health: hs, lis: lis, stop: cancel, done: make(chan struct{})}
	last := ping(ctx, opts.DB)
	s.setStatus(opts.Service, last)

	go func() { _ = srv.Serve(lis) }()
	go func() {
		defer close(s.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ok := ping(ctx, opts.DB)
				if ok != last {
					logger.Warn("health status changed", zap.Bool("serving", ok))
					last = ok
				}
				s.setStatus(opts.Service, ok)
			}
		}
	}()
	logger.Info("grpc health server listening", zap.String("address", lis.Addr().String()))
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) setStatus(service string, ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	if service != "" {
		s.health.SetServingStatus(service, st)
	}
}

// Shutdown marks the server NOT_SERVING and stops it gracefully, forcing a stop when ctx
// expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	<-s.done
	s.health.Shutdown()
	done := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		return ctx.Err()
	}
}

func ping(ctx context.Context, db Pinger) bool {
	if db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx) == nil
}
