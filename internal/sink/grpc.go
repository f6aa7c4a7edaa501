package sink

import (
	"context"
	"fmt"
	"net"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/tagbeat/internal/frame"
	"github.com/banshee-data/tagbeat/internal/monitoring"
)

// FrameStream is served as tagbeat.v1.FrameStream. Its single method,
// Subscribe, takes an empty request and streams frames as
// google.protobuf.Struct values shaped like the JSON encoding.
const (
	frameStreamService = "tagbeat.v1.FrameStream"
	subscribeMethod    = "/" + frameStreamService + "/Subscribe"
)

// FrameStreamServer is implemented by GRPCServer.
type FrameStreamServer interface {
	Subscribe(req *emptypb.Empty, stream grpc.ServerStream) error
}

var frameStreamDesc = grpc.ServiceDesc{
	ServiceName: frameStreamService,
	HandlerType: (*FrameStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "tagbeat/v1/frames.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FrameStreamServer).Subscribe(req, stream)
}

// GRPCServer streams broadcaster frames to gRPC clients.
type GRPCServer struct {
	b    *Broadcaster
	srv  *grpc.Server
	logf func(format string, v ...interface{})
}

func NewGRPCServer(b *Broadcaster) *GRPCServer {
	s := &GRPCServer{
		b: b,
		srv: grpc.NewServer(
			grpc.MaxRecvMsgSize(16*1024*1024),
			grpc.MaxSendMsgSize(16*1024*1024),
		),
		logf: monitoring.Component("gRPC"),
	}
	s.srv.RegisterService(&frameStreamDesc, s)
	return s
}

// Serve blocks until Stop is called or lis fails.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logf("gRPC server listening on %s", lis.Addr())
	return s.srv.Serve(lis)
}

// Stop waits for in-flight streams to end. Streams end once the
// broadcaster is closed.
func (s *GRPCServer) Stop() {
	s.srv.GracefulStop()
	s.logf("gRPC server stopped")
}

func (s *GRPCServer) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.b.Subscribe()
	defer s.b.Unsubscribe(sub.ID)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case f, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := FrameToStruct(f)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// FrameToStruct converts a frame to its Struct form.
func FrameToStruct(f frame.ReconstructedFrame) (*structpb.Struct, error) {
	tags := make(map[string]interface{}, len(f.Tags))
	for id, v := range f.Tags {
		tags[id.String()] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"seq": float64(f.Seq),
		"ts":  float64(f.TimestampNanos),
		"params": map[string]interface{}{
			"n": f.Params.SampleCount,
			"q": f.Params.FrameSize,
			"k": f.Params.Sparsity,
		},
		"tags":     tags,
		"residual": f.Residual,
	})
}

// FrameFromStruct reverses FrameToStruct. Timestamps survive only to
// float64 precision.
func FrameFromStruct(s *structpb.Struct) (frame.ReconstructedFrame, error) {
	fields := s.GetFields()
	f := frame.ReconstructedFrame{
		Seq:            uint64(fields["seq"].GetNumberValue()),
		TimestampNanos: int64(fields["ts"].GetNumberValue()),
		Residual:       fields["residual"].GetNumberValue(),
		Tags:           make(map[frame.TagID]float64),
	}
	p := fields["params"].GetStructValue().GetFields()
	f.Params = frame.Params{
		SampleCount: int(p["n"].GetNumberValue()),
		FrameSize:   int(p["q"].GetNumberValue()),
		Sparsity:    int(p["k"].GetNumberValue()),
	}

	tags := fields["tags"].GetStructValue().GetFields()
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		id, err := frame.ParseTagID(name)
		if err != nil {
			return frame.ReconstructedFrame{}, fmt.Errorf("bad tag in frame %d: %w", f.Seq, err)
		}
		f.Tags[id] = tags[name].GetNumberValue()
	}
	return f, nil
}

// FrameStreamClient reads frames from a Subscribe stream.
type FrameStreamClient struct {
	stream grpc.ClientStream
}

// SubscribeFrames opens a Subscribe stream on cc.
func SubscribeFrames(ctx context.Context, cc grpc.ClientConnInterface) (*FrameStreamClient, error) {
	stream, err := cc.NewStream(ctx, &frameStreamDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStreamClient{stream: stream}, nil
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (c *FrameStreamClient) Recv() (frame.ReconstructedFrame, error) {
	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		return frame.ReconstructedFrame{}, err
	}
	return FrameFromStruct(msg)
}
