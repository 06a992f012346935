package grpc

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/services"
	"google.golang.org/grpc"
)

// Collections is the part of services.CollectionService the admin surface
// needs.
type Collections interface {
	DeleteCollection(ctx context.Context, fsid string) (*models.EraseJob, error)
	DeleteSubmissions(ctx context.Context, fsid string, filenames []string) ([]*models.EraseJob, error)
	JobStatus(ctx context.Context, id string) (*models.EraseJob, error)
	AwaitJob(ctx context.Context, id string, timeout time.Duration) (*models.EraseJob, error)
	RetryJob(ctx context.Context, id string) (*models.EraseJob, error)
}

// Exporter builds archives.
type Exporter interface {
	BuildArchive(ctx context.Context, sel services.Selection, w io.Writer) (*services.ArchiveResult, error)
}

type GRPCServer struct {
	address     string
	collections Collections
	exports     Exporter
	logger      logging.Logger
	jwtSecret   []byte

	// shutdownTimeout bounds GracefulStop; zero waits for every RPC.
	shutdownTimeout time.Duration
}

func NewGRPCServer(a string, l logging.Logger, cs Collections, es Exporter, secretKey string) (*GRPCServer, error) {
	if secretKey == "" {
		return nil, errors.New("grpc server: empty jwt secret")
	}
	return &GRPCServer{
		address:     a,
		logger:      l.With("module", "grpc_server"),
		collections: cs,
		exports:     es,
		jwtSecret:   []byte(secretKey),
	}, nil
}

// SetShutdownTimeout makes Serve force-close connections when in-flight RPCs
// outlive d after shutdown began.
func (s *GRPCServer) SetShutdownTimeout(d time.Duration) {
	s.shutdownTimeout = d
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.accessTokenStreamInterceptor),
	)
	RegisterAdminServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.stop(srv)
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}

	<-stopped
	return nil
}

func (s *GRPCServer) stop(srv *grpc.Server) {
	if s.shutdownTimeout <= 0 {
		srv.GracefulStop()
		return
	}
	graceful := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(graceful)
	}()
	select {
	case <-graceful:
	case <-time.After(s.shutdownTimeout):
		srv.Stop()
		<-graceful
	}
}
