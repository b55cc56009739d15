package api

import (
	"context"

	"google.golang.org/grpc"
)

// Fully qualified service names.
const (
	SessionServiceName = "palaver.v1.SessionService"
	ChatServiceName    = "palaver.v1.ChatService"
	MessageServiceName = "palaver.v1.MessageService"
)

// Method returns the full method path used by clients.
func Method(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor around a service method expression such
// as (*ChatService).ListFriends.
func unary[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(service, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// SessionServer is the handler type of SessionServiceDesc.
type SessionServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*StatusResponse, error)
	Login(context.Context, *LoginRequest) (*StatusResponse, error)
	Logout(context.Context, *LogoutRequest) (*StatusResponse, error)
}

// SessionServiceDesc describes SessionService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(SessionServiceName, "Login", SessionServer.Login),
		unary(SessionServiceName, "Logout", SessionServer.Logout),
	},
	Metadata: "palaver/v1",
}

// ChatServer is the handler type of ChatServiceDesc.
type ChatServer interface {
	ListFriends(context.Context, *ListFriendsRequest) (*ListFriendsResponse, error)
	OpenConversation(context.Context, *OpenConversationRequest) (*ConversationResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ConversationResponse, error)
	ListRequests(context.Context, *ListRequestsRequest) (*ListRequestsResponse, error)
	RespondRequest(context.Context, *RespondRequestRequest) (*ListRequestsResponse, error)
	SearchUsers(context.Context, *SearchUsersRequest) (*SearchUsersResponse, error)
	AddFriend(context.Context, *AddFriendRequest) (*ListFriendsResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStream) error
}

// ChatServiceDesc describes ChatService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListFriends", ChatServer.ListFriends),
		unary(ChatServiceName, "OpenConversation", ChatServer.OpenConversation),
		unary(ChatServiceName, "ListMessages", ChatServer.ListMessages),
		unary(ChatServiceName, "ListRequests", ChatServer.ListRequests),
		unary(ChatServiceName, "RespondRequest", ChatServer.RespondRequest),
		unary(ChatServiceName, "SearchUsers", ChatServer.SearchUsers),
		unary(ChatServiceName, "AddFriend", ChatServer.AddFriend),
	},
	Streams: []grpc.StreamDesc{WatchEventsStreamDesc},
	Metadata: "palaver/v1",
}

// WatchEventsStreamDesc is shared by the server and clients.
var WatchEventsStreamDesc = grpc.StreamDesc{
	StreamName:    "WatchEvents",
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(WatchEventsRequest)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(ChatServer).WatchEvents(in, stream)
	},
}

// MessageServer is the handler type of MessageServiceDesc.
type MessageServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	Retry(context.Context, *RetryRequest) (*RetryResponse, error)
	Search(context.Context, *SearchMessagesRequest) (*SearchMessagesResponse, error)
	ListOutbox(context.Context, *ListOutboxRequest) (*ListOutboxResponse, error)
}

// MessageServiceDesc describes MessageService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "Send", MessageServer.Send),
		unary(MessageServiceName, "Retry", MessageServer.Retry),
		unary(MessageServiceName, "Search", MessageServer.Search),
		unary(MessageServiceName, "ListOutbox", MessageServer.ListOutbox),
	},
	Metadata: "palaver/v1",
}

// Register installs every service on srv.
func Register(srv *grpc.Server, session SessionServer, chat ChatServer, message MessageServer) {
	srv.RegisterService(&SessionServiceDesc, session)
	srv.RegisterService(&ChatServiceDesc, chat)
	srv.RegisterService(&MessageServiceDesc, message)
}
