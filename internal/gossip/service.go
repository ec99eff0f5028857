// ============================================================================
// Gossip service - peer notification over gRPC
// ============================================================================
//
// Package: internal/gossip
// File: service.go
//
// Two unary methods, both fire-and-forget from the sender's point of view:
//
//	/eah.gossip.v1.Gossip/PublishAccountsHash   verified accounts hash of a slot
//	/eah.gossip.v1.Gossip/PublishSnapshot       archived snapshot package
//
// Messages are google.protobuf.Struct so the service needs no generated
// code; the field names match the JSON tags of types.Package.
// ============================================================================

package gossip

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "eah.gossip.v1.Gossip"

const (
	methodPublishAccountsHash = "/" + ServiceName + "/PublishAccountsHash"
	methodPublishSnapshot     = "/" + ServiceName + "/PublishSnapshot"
)

// GossipServer is the server side of the service.
type GossipServer interface {
	PublishAccountsHash(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	PublishSnapshot(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterGossipServer registers srv on s.
func RegisterGossipServer(s grpc.ServiceRegistrar, srv GossipServer) {
	s.RegisterService(&gossipServiceDesc, srv)
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GossipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PublishAccountsHash", Handler: publishAccountsHashHandler},
		{MethodName: "PublishSnapshot", Handler: publishSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eah/gossip/v1/gossip.proto",
}

func publishAccountsHashHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServer).PublishAccountsHash(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublishAccountsHash}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GossipServer).PublishAccountsHash(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func publishSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GossipServer).PublishSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublishSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GossipServer).PublishSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Message conversion
// ============================================================================

// Slots are sent as decimal strings: Struct numbers are doubles.
func encodePackage(pkg *types.Package, path string) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"id":            pkg.ID,
		"slot":          strconv.FormatUint(uint64(pkg.Slot), 10),
		"epoch":         strconv.FormatUint(uint64(pkg.Epoch), 10),
		"kind":          string(pkg.Kind),
		"accounts_hash": pkg.AccountsHash.String(),
		"created_at":    strconv.FormatInt(pkg.CreatedAt, 10),
	}
	if pkg.BaseSlot != 0 {
		fields["base_slot"] = strconv.FormatUint(uint64(pkg.BaseSlot), 10)
	}
	if pkg.EpochAccountsHash != nil {
		fields["epoch_accounts_hash"] = pkg.EpochAccountsHash.String()
	}
	if path != "" {
		fields["path"] = path
	}
	return structpb.NewStruct(fields)
}

func decodePackage(s *structpb.Struct) (*types.Package, string, error) {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	u64 := func(k string) (uint64, error) {
		v := str(k)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseUint(v, 10, 64)
	}

	slot, err := u64("slot")
	if err != nil {
		return nil, "", fmt.Errorf("gossip: bad slot: %w", err)
	}
	ep, err := u64("epoch")
	if err != nil {
		return nil, "", fmt.Errorf("gossip: bad epoch: %w", err)
	}
	base, err := u64("base_slot")
	if err != nil {
		return nil, "", fmt.Errorf("gossip: bad base_slot: %w", err)
	}
	created, _ := strconv.ParseInt(str("created_at"), 10, 64)

	hash, err := types.ParseHash(str("accounts_hash"))
	if err != nil {
		return nil, "", fmt.Errorf("gossip: bad accounts_hash: %w", err)
	}
	pkg := &types.Package{
		ID:           str("id"),
		Slot:         types.Slot(slot),
		Epoch:        types.Epoch(ep),
		Kind:         types.PackageKind(str("kind")),
		BaseSlot:     types.Slot(base),
		AccountsHash: hash,
		CreatedAt:    created,
	}
	if v := str("epoch_accounts_hash"); v != "" {
		eah, err := types.ParseHash(v)
		if err != nil {
			return nil, "", fmt.Errorf("gossip: bad epoch_accounts_hash: %w", err)
		}
		pkg.EpochAccountsHash = &eah
	}
	return pkg, str("path"), nil
}

// Announcement is one notification received from a peer.
type Announcement struct {
	Snapshot   bool
	Package    types.Package
	Path       string
	ReceivedAt time.Time
}
