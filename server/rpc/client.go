package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server"
)

// Client calls the capture service.
type Client struct {
	cc grpc.ClientConnInterface
}

// Dial connects to the capture service at target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, err
	}

	return NewClient(conn), conn, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) Start(ctx context.Context, device string, opts ...grpc.CallOption) (*ControlReply, error) {
	out := new(ControlReply)

	return out, c.invoke(ctx, "Start", &StartRequest{Device: device}, out, opts...)
}

func (c *Client) Stop(ctx context.Context, opts ...grpc.CallOption) (*ControlReply, error) {
	out := new(ControlReply)

	return out, c.invoke(ctx, "Stop", &StopRequest{}, out, opts...)
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*server.Status, error) {
	out := new(server.Status)

	return out, c.invoke(ctx, "Status", &StatusRequest{}, out, opts...)
}

func (c *Client) Recent(ctx context.Context, limit int, opts ...grpc.CallOption) ([]record.Record, error) {
	out := new(RecordsReply)
	if err := c.invoke(ctx, "Recent", &RecentRequest{Limit: limit}, out, opts...); err != nil {
		return nil, err
	}

	return out.Records, nil
}

func (c *Client) Get(ctx context.Context, id string, opts ...grpc.CallOption) (*record.Record, error) {
	out := new(record.Record)
	if err := c.invoke(ctx, "Get", &GetRequest{ID: id}, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) Context(ctx context.Context, id string, before, after int, opts ...grpc.CallOption) ([]record.Record, error) {
	out := new(RecordsReply)
	if err := c.invoke(ctx, "Context", &ContextRequest{ID: id, Before: before, After: after}, out, opts...); err != nil {
		return nil, err
	}

	return out.Records, nil
}

func (c *Client) Diagnostics(ctx context.Context, opts ...grpc.CallOption) (*server.Diagnostics, error) {
	out := new(server.Diagnostics)

	return out, c.invoke(ctx, "Diagnostics", &DiagnosticsRequest{}, out, opts...)
}

// FollowStream receives live records.
type FollowStream struct {
	grpc.ClientStream
}

func (s *FollowStream) Recv() (*record.Record, error) {
	rec := new(record.Record)
	if err := s.ClientStream.RecvMsg(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// Follow opens a stream of newly stored records.
func (c *Client) Follow(ctx context.Context, opts ...grpc.CallOption) (*FollowStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Follow", opts...)
	if err != nil {
		return nil, err
	}

	if err := stream.SendMsg(&FollowRequest{}); err != nil {
		return nil, err
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &FollowStream{ClientStream: stream}, nil
}
