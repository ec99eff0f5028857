package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ErrRateLimited is returned when a notification is dropped by the limiter.
var ErrRateLimited = errors.New("gossip: notification rate limited")

// Notifier announces verified hashes and archived snapshots to peers.
// Delivery is best effort; callers log errors and move on.
type Notifier interface {
	PublishAccountsHash(ctx context.Context, pkg *types.Package) error
	PublishSnapshot(ctx context.Context, pkg *types.Package, path string) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) PublishAccountsHash(context.Context, *types.Package) error     { return nil }
func (NopNotifier) PublishSnapshot(context.Context, *types.Package, string) error { return nil }

// ClientConfig configures a GRPCNotifier.
type ClientConfig struct {
	Target        string        // peer address, used by Dial
	RatePerSecond float64       // 0 disables limiting
	Burst         int           // defaults to 1
	Timeout       time.Duration // per call, defaults to 2s
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// GRPCNotifier sends notifications to one peer over gRPC.
type GRPCNotifier struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Collector
	log     *slog.Logger
}

// Dial connects to cfg.Target. The connection is established lazily.
func Dial(cfg ClientConfig) (*GRPCNotifier, error) {
	conn, err := grpc.NewClient(cfg.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("gossip: dial %s: %w", cfg.Target, err)
	}
	n := NewGRPCNotifier(conn, cfg)
	n.closer = conn.Close
	return n, nil
}

// NewGRPCNotifier wraps an existing connection.
func NewGRPCNotifier(conn grpc.ClientConnInterface, cfg ClientConfig) *GRPCNotifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GRPCNotifier{
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		metrics: cfg.Metrics,
		log:     logger.With("component", "gossip-client"),
	}
}

// PublishAccountsHash implements Notifier.
func (n *GRPCNotifier) PublishAccountsHash(ctx context.Context, pkg *types.Package) error {
	return n.send(ctx, methodPublishAccountsHash, pkg, "")
}

// PublishSnapshot implements Notifier.
func (n *GRPCNotifier) PublishSnapshot(ctx context.Context, pkg *types.Package, path string) error {
	return n.send(ctx, methodPublishSnapshot, pkg, path)
}

func (n *GRPCNotifier) send(ctx context.Context, method string, pkg *types.Package, path string) error {
	if !n.limiter.Allow() {
		n.metrics.RecordNotification(metrics.NotifyLimited)
		return ErrRateLimited
	}

	msg, err := encodePackage(pkg, path)
	if err != nil {
		n.metrics.RecordNotification(metrics.NotifyFailed)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.conn.Invoke(ctx, method, msg, new(emptypb.Empty)); err != nil {
		n.metrics.RecordNotification(metrics.NotifyFailed)
		return fmt.Errorf("gossip: %s slot %d: %w", method, pkg.Slot, err)
	}
	n.metrics.RecordNotification(metrics.NotifySent)
	return nil
}

// Close releases the connection opened by Dial.
func (n *GRPCNotifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
