package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const serviceName = "sectiond.admin.Admin"

const (
	statusMethod       = "/" + serviceName + "/Status"
	unresponsiveMethod = "/" + serviceName + "/Unresponsive"
	startedAtMethod    = "/" + serviceName + "/StartedAt"
)

// UnresponsivePeer is a peer flagged by the liveness check.
type UnresponsivePeer struct {
	Name    string `json:"name"`
	Pending int    `json:"pending"`
}

// Status is a snapshot of the node as reported to operators.
type Status struct {
	Name          string             `json:"name"`
	Addr          string             `json:"addr"`
	Joined        bool               `json:"joined"`
	Elder         bool               `json:"elder"`
	Prefix        string             `json:"prefix"`
	SectionKey    string             `json:"section_key"`
	GenesisKey    string             `json:"genesis_key"`
	MembershipGen uint64             `json:"membership_gen"`
	Elders        []string           `json:"elders"`
	Members       int                `json:"members"`
	Archived      int                `json:"archived"`
	QueueDepth    int                `json:"queue_depth"`
	Pending       int                `json:"pending_queries"`
	StorageUsed   int64              `json:"storage_used"`
	StorageLevel  int                `json:"storage_level"`
	Unresponsive  []UnresponsivePeer `json:"unresponsive"`
	StartedAt     time.Time          `json:"started_at"`
}

// Provider supplies status snapshots.
type Provider interface {
	Status() Status
}

// AdminServer is the service implemented by Server.
type AdminServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Unresponsive(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StartedAt(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error)
}

func unaryHandler[Resp any](method string, call func(AdminServer, context.Context, *emptypb.Empty) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AdminServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Status", AdminServer.Status),
		unaryHandler("Unresponsive", AdminServer.Unresponsive),
		unaryHandler("StartedAt", AdminServer.StartedAt),
	},
	Metadata: "sectiond/admin",
}

// Server serves the admin service over gRPC.
type Server struct {
	provider Provider
	server   *grpc.Server
	listener net.Listener
	logger   *zap.Logger
}

var _ AdminServer = (*Server)(nil)

// Listen binds the admin service to addr.
func Listen(addr string, provider Provider, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := &Server{
		provider: provider,
		server:   grpc.NewServer(),
		listener: listener,
		logger:   logger,
	}
	s.server.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then stops the server gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting admin server", zap.String("address", s.Addr()))
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Stopping admin server")
		s.server.GracefulStop()
		return nil
	}
}

func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return StatusToStruct(s.provider.Status())
}

func (s *Server) Unresponsive(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	status := s.provider.Status()
	return structpb.NewStruct(map[string]interface{}{
		"unresponsive": unresponsiveList(status.Unresponsive),
	})
}

func (s *Server) StartedAt(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error) {
	return timestamppb.New(s.provider.Status().StartedAt), nil
}

func unresponsiveList(peers []UnresponsivePeer) []interface{} {
	out := make([]interface{}, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]interface{}{"name": p.Name, "pending": float64(p.Pending)})
	}
	return out
}

func stringList(s []string) []interface{} {
	out := make([]interface{}, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}

// StatusToStruct encodes a status for the wire.
func StatusToStruct(s Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"name":            s.Name,
		"addr":            s.Addr,
		"joined":          s.Joined,
		"elder":           s.Elder,
		"prefix":          s.Prefix,
		"section_key":     s.SectionKey,
		"genesis_key":     s.GenesisKey,
		"membership_gen":  float64(s.MembershipGen),
		"elders":          stringList(s.Elders),
		"members":         float64(s.Members),
		"archived":        float64(s.Archived),
		"queue_depth":     float64(s.QueueDepth),
		"pending_queries": float64(s.Pending),
		"storage_used":    float64(s.StorageUsed),
		"storage_level":   float64(s.StorageLevel),
		"unresponsive":    unresponsiveList(s.Unresponsive),
	})
}

// StatusFromStruct decodes a status received from the wire. StartedAt is
// carried by its own call and left zero.
func StatusFromStruct(st *structpb.Struct) Status {
	f := st.GetFields()
	num := func(key string) float64 { return f[key].GetNumberValue() }
	s := Status{
		Name:          f["name"].GetStringValue(),
		Addr:          f["addr"].GetStringValue(),
		Joined:        f["joined"].GetBoolValue(),
		Elder:         f["elder"].GetBoolValue(),
		Prefix:        f["prefix"].GetStringValue(),
		SectionKey:    f["section_key"].GetStringValue(),
		GenesisKey:    f["genesis_key"].GetStringValue(),
		MembershipGen: uint64(num("membership_gen")),
		Members:       int(num("members")),
		Archived:      int(num("archived")),
		QueueDepth:    int(num("queue_depth")),
		Pending:       int(num("pending_queries")),
		StorageUsed:   int64(num("storage_used")),
		StorageLevel:  int(num("storage_level")),
	}
	for _, v := range f["elders"].GetListValue().GetValues() {
		s.Elders = append(s.Elders, v.GetStringValue())
	}
	s.Unresponsive = unresponsiveFromList(f["unresponsive"].GetListValue())
	return s
}

func unresponsiveFromList(list *structpb.ListValue) []UnresponsivePeer {
	var out []UnresponsivePeer
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		out = append(out, UnresponsivePeer{
			Name:    fields["name"].GetStringValue(),
			Pending: int(fields["pending"].GetNumberValue()),
		})
	}
	return out
}
