package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	brokerServiceName     = "jasmine.Broker"
	subscriberServiceName = "jasmine.Subscriber"
)

// BrokerServer is implemented by the broker's RPC service
type BrokerServer interface {
	Hook(context.Context, *ConnectRequest) (*Empty, error)
	Unhook(context.Context, *ConnectRequest) (*Empty, error)
	Publish(context.Context, *PublishRequest) (*Empty, error)
	// Replicate is the broker-to-broker backup ingestion entry point
	Replicate(context.Context, *PublishRequest) (*Empty, error)
	Subscribe(context.Context, *SubscribeRequest) (*Empty, error)
	Unsubscribe(context.Context, *SubscribeRequest) (*Empty, error)
	Ping(context.Context, *Empty) (*Empty, error)
}

// SubscriberServer is implemented by downstream consumers receiving pushed messages
type SubscriberServer interface {
	SendMessage(context.Context, *Message) (*Empty, error)
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: brokerServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(brokerServiceName, "Hook", BrokerServer.Hook),
		unaryMethod(brokerServiceName, "Unhook", BrokerServer.Unhook),
		unaryMethod(brokerServiceName, "Publish", BrokerServer.Publish),
		unaryMethod(brokerServiceName, "Replicate", BrokerServer.Replicate),
		unaryMethod(brokerServiceName, "Subscribe", BrokerServer.Subscribe),
		unaryMethod(brokerServiceName, "Unsubscribe", BrokerServer.Unsubscribe),
		unaryMethod(brokerServiceName, "Ping", BrokerServer.Ping),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jasmine/broker",
}

var subscriberServiceDesc = grpc.ServiceDesc{
	ServiceName: subscriberServiceName,
	HandlerType: (*SubscriberServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(subscriberServiceName, "SendMessage", SubscriberServer.SendMessage),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jasmine/subscriber",
}

// RegisterBrokerServer attaches srv to a gRPC server
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

// RegisterSubscriberServer attaches srv to a gRPC server
func RegisterSubscriberServer(s grpc.ServiceRegistrar, srv SubscriberServer) {
	s.RegisterService(&subscriberServiceDesc, srv)
}

// NewServer creates a gRPC server bounded to maxMessageSize bytes per message
func NewServer(maxMessageSize int, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// unaryMethod builds the method descriptor that decodes Req and dispatches to call
func unaryMethod[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
