// Package stream serves decoded frames to external consumers over a
// server-streaming gRPC method. Messages are google.protobuf.Struct values
// so clients need no generated code.
package stream

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/fh5telemetry/internal/telemetry"
)

const (
	serviceName      = "fh5telemetry.v1.Telemetry"
	streamFramesName = "StreamFrames"
	// StreamFramesMethod is the full method name.
	StreamFramesMethod = "/" + serviceName + "/" + streamFramesName
)

// Source is where the server gets frames. *pipeline.Controller and
// *framemux.Mux implement it.
type Source interface {
	Subscribe() (string, <-chan telemetry.Frame)
	Unsubscribe(id string)
}

// TelemetryServer is the service implementation registered with gRPC.
type TelemetryServer interface {
	StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamFramesName,
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fh5telemetry/v1/telemetry.proto",
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamFrames(req, stream)
}

// RegisterService registers server with grpcServer.
func RegisterService(grpcServer *grpc.Server, server TelemetryServer) {
	grpcServer.RegisterService(&serviceDesc, server)
}

var _ TelemetryServer = (*Server)(nil)

// Server streams router frames to gRPC clients.
type Server struct {
	source Source

	clients atomic.Int64
	sent    atomic.Uint64

	mu       sync.Mutex
	grpc     *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server reading from source.
func NewServer(source Source) *Server {
	return &Server{source: source}
}

// StreamFrames sends every frame the router publishes until the client
// goes away or the router closes. The request may carry "channels" (a list
// of channel names), "race_on_only" (bool) and "units" (a speed unit that
// switches values to dashboard units).
func (s *Server) StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error {
	filter, err := filterFromRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, frames := s.source.Subscribe()
	defer s.source.Unsubscribe(id)
	s.clients.Add(1)
	defer s.clients.Add(-1)
	log.Printf("[gRPC] StreamFrames client %s connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[gRPC] StreamFrames client %s gone: %v", id, ctx.Err())
			return nil
		case f, ok := <-frames:
			if !ok {
				return status.Error(codes.Unavailable, "frame source closed")
			}
			if !filter.Accept(f) {
				continue
			}
			if err := stream.SendMsg(NewMessage(f, filter).toStruct()); err != nil {
				return err
			}
			s.sent.Add(1)
		}
	}
}

func filterFromRequest(req *structpb.Struct) (Filter, error) {
	fields := req.GetFields()
	var names []string
	if v, ok := fields["channels"]; ok {
		list := v.GetListValue()
		if list == nil {
			return Filter{}, fmt.Errorf("channels must be a list")
		}
		for _, item := range list.GetValues() {
			name, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return Filter{}, fmt.Errorf("channels must be strings")
			}
			names = append(names, name.StringValue)
		}
	}
	f, err := NewFilter(names, fields["race_on_only"].GetBoolValue())
	if err != nil {
		return Filter{}, err
	}
	return f.WithUnits(fields["units"].GetStringValue())
}

// Clients is the number of connected stream clients.
func (s *Server) Clients() int64 { return s.clients.Load() }

// Sent is the number of messages sent to all clients.
func (s *Server) Sent() uint64 { return s.sent.Load() }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpc != nil {
		return nil, fmt.Errorf("stream server already running")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.grpc = grpc.NewServer()
	RegisterService(s.grpc, s)

	srv := s.grpc
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[gRPC] frame stream listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			log.Printf("[gRPC] server error: %v", err)
		}
	}()
	return lis.Addr(), nil
}

// Stop ends every stream and waits for the server to exit.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.grpc
	s.grpc = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		srv.Stop()
	}
	s.wg.Wait()
}
