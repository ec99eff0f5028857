package gossip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// defaultHistory is how many announcements a Server remembers.
const defaultHistory = 256

// Server receives peer notifications and keeps the most recent ones.
type Server struct {
	log     *slog.Logger
	history int

	mu     sync.RWMutex
	recent []Announcement
	onRecv func(Announcement)

	grpc   *grpc.Server
	health *health.Server
}

// NewServer builds a gRPC server with the gossip and health services registered.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:     logger.With("component", "gossip"),
		history: defaultHistory,
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
	}
	RegisterGossipServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// OnAnnouncement installs a callback invoked for every received notification.
func (s *Server) OnAnnouncement(fn func(Announcement)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecv = fn
}

// PublishAccountsHash implements GossipServer.
func (s *Server) PublishAccountsHash(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	return s.receive(in, false)
}

// PublishSnapshot implements GossipServer.
func (s *Server) PublishSnapshot(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	return s.receive(in, true)
}

func (s *Server) receive(in *structpb.Struct, snapshot bool) (*emptypb.Empty, error) {
	pkg, path, err := decodePackage(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	a := Announcement{Snapshot: snapshot, Package: *pkg, Path: path, ReceivedAt: time.Now()}

	s.mu.Lock()
	s.recent = append(s.recent, a)
	if len(s.recent) > s.history {
		s.recent = s.recent[len(s.recent)-s.history:]
	}
	fn := s.onRecv
	s.mu.Unlock()

	s.log.Debug("Received announcement", "slot", pkg.Slot, "kind", pkg.Kind, "snapshot", snapshot)
	if fn != nil {
		fn(a)
	}
	return &emptypb.Empty{}, nil
}

// Recent returns a copy of the remembered announcements, oldest first.
func (s *Server) Recent() []Announcement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Announcement, len(s.recent))
	copy(out, s.recent)
	return out
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("Gossip server listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(lis)
}

// Stop marks the service as not serving and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
