package ingest

import (
	"context"

	"google.golang.org/grpc"

	"github.com/obsidianstack/relay/pkg/types"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "relay.v1.Ingest"

	// SendMethod is the full method name of the Send RPC.
	SendMethod = "/" + ServiceName + "/Send"
)

// Server is implemented by the receiving end of the ingest service.
type Server interface {
	// Send stores one batch. Returning an error with codes.InvalidArgument
	// tells the agent the batch must not be retried.
	Send(ctx context.Context, b *types.Batch) (*types.Ack, error)
}

// ServiceDesc describes the ingest service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler:    sendHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay/v1/ingest",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SendMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Send(ctx, req.(*types.Batch))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the ingest service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Send ships b and returns the server's Ack.
func (c *Client) Send(ctx context.Context, b *types.Batch, opts ...grpc.CallOption) (*types.Ack, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	ack := new(types.Ack)
	if err := c.cc.Invoke(ctx, SendMethod, b, ack, opts...); err != nil {
		return nil, err
	}
	return ack, nil
}
