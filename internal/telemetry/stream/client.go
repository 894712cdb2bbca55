package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the frame stream on a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Request selects what StreamFrames sends.
type Request struct {
	Channels   []string
	RaceOnOnly bool
	Units      string
}

// FrameStream receives messages from one StreamFrames call.
type FrameStream struct {
	stream grpc.ClientStream
}

// StreamFrames opens a stream. Cancel ctx to end it.
func (c *Client) StreamFrames(ctx context.Context, req Request, opts ...grpc.CallOption) (*FrameStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], StreamFramesMethod, opts...)
	if err != nil {
		return nil, err
	}

	fields := map[string]*structpb.Value{
		"race_on_only": structpb.NewBoolValue(req.RaceOnOnly),
	}
	if req.Units != "" {
		fields["units"] = structpb.NewStringValue(req.Units)
	}
	if len(req.Channels) > 0 {
		names := make([]*structpb.Value, len(req.Channels))
		for i, n := range req.Channels {
			names[i] = structpb.NewStringValue(n)
		}
		fields["channels"] = structpb.NewListValue(&structpb.ListValue{Values: names})
	}
	if err := stream.SendMsg(&structpb.Struct{Fields: fields}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// Recv blocks for the next message. It returns io.EOF when the server
// ends the stream cleanly.
func (s *FrameStream) Recv() (Message, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return Message{}, err
	}
	return messageFromStruct(m)
}
