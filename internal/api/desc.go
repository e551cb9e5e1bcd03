package api

import (
	"context"

	"google.golang.org/grpc"
)

// Service names.
const (
	OutboxServiceName       = "chatsync.v1.OutboxService"
	ConversationServiceName = "chatsync.v1.ConversationService"
	SessionServiceName      = "chatsync.v1.SessionService"
)

// Method returns the full gRPC method name.
func Method(service, method string) string {
	return "/" + service + "/" + method
}

// OutboxServer exposes the local outbox to clients.
type OutboxServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	Retry(context.Context, *MessageRequest) (*OutboxItem, error)
	Dismiss(context.Context, *MessageRequest) (*Empty, error)
	Drain(context.Context, *Empty) (*DrainResponse, error)
}

// ConversationServer opens and pages conversations and streams their updates.
type ConversationServer interface {
	Open(context.Context, *ConversationRequest) (*View, error)
	Close(context.Context, *ConversationRequest) (*CloseResponse, error)
	View(context.Context, *ConversationRequest) (*View, error)
	LoadOlder(context.Context, *ConversationRequest) (*LoadOlderResponse, error)
	Refresh(context.Context, *ConversationRequest) (*View, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	Peers(context.Context, *ConversationRequest) (*PeersResponse, error)
	Watch(*WatchRequest, grpc.ServerStream) error
}

// SessionServer reports daemon status and drives the session lifecycle.
type SessionServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Login(context.Context, *LoginRequest) (*StatusResponse, error)
	Logout(context.Context, *Empty) (*StatusResponse, error)
	SetOnline(context.Context, *SetOnlineRequest) (*StatusResponse, error)
	Foreground(context.Context, *Empty) (*DrainResponse, error)
}

// unary adapts a typed method to a grpc.MethodDesc.
func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := Method(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// OutboxServiceDesc describes the outbox service for grpc.Server.RegisterService.
var OutboxServiceDesc = grpc.ServiceDesc{
	ServiceName: OutboxServiceName,
	HandlerType: (*OutboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(OutboxServiceName, "Send", OutboxServer.Send),
		unary(OutboxServiceName, "ListPending", OutboxServer.ListPending),
		unary(OutboxServiceName, "Retry", OutboxServer.Retry),
		unary(OutboxServiceName, "Dismiss", OutboxServer.Dismiss),
		unary(OutboxServiceName, "Drain", OutboxServer.Drain),
	},
}

// WatchStream is the server-streaming Watch method.
var WatchStream = grpc.StreamDesc{
	StreamName:    "Watch",
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(WatchRequest)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(ConversationServer).Watch(in, stream)
	},
}

// ConversationServiceDesc describes the conversation service, including Watch.
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConversationServiceName, "Open", ConversationServer.Open),
		unary(ConversationServiceName, "Close", ConversationServer.Close),
		unary(ConversationServiceName, "View", ConversationServer.View),
		unary(ConversationServiceName, "LoadOlder", ConversationServer.LoadOlder),
		unary(ConversationServiceName, "Refresh", ConversationServer.Refresh),
		unary(ConversationServiceName, "MarkRead", ConversationServer.MarkRead),
		unary(ConversationServiceName, "Peers", ConversationServer.Peers),
	},
	Streams: []grpc.StreamDesc{WatchStream},
}

// SessionServiceDesc describes the session service.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "Status", SessionServer.Status),
		unary(SessionServiceName, "Login", SessionServer.Login),
		unary(SessionServiceName, "Logout", SessionServer.Logout),
		unary(SessionServiceName, "SetOnline", SessionServer.SetOnline),
		unary(SessionServiceName, "Foreground", SessionServer.Foreground),
	},
}

// Register registers the three services on srv.
func Register(srv *grpc.Server, outbox OutboxServer, conversations ConversationServer, session SessionServer) {
	srv.RegisterService(&OutboxServiceDesc, outbox)
	srv.RegisterService(&ConversationServiceDesc, conversations)
	srv.RegisterService(&SessionServiceDesc, session)
}
