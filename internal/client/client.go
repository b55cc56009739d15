// Package client is the palaverctl side of the daemon API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/palaver/internal/api"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is lazy; errors
// surface on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any) error {
	return c.conn.Invoke(ctx, api.Method(service, method), in, out)
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	out := new(api.StatusResponse)
	return out, c.invoke(ctx, api.SessionServiceName, "GetStatus", &api.GetStatusRequest{}, out)
}

func (c *Client) Login(ctx context.Context, email, password string) (*api.StatusResponse, error) {
	out := new(api.StatusResponse)
	return out, c.invoke(ctx, api.SessionServiceName, "Login", &api.LoginRequest{Email: email, Password: password}, out)
}

func (c *Client) Logout(ctx context.Context) (*api.StatusResponse, error) {
	out := new(api.StatusResponse)
	return out, c.invoke(ctx, api.SessionServiceName, "Logout", &api.LogoutRequest{}, out)
}

func (c *Client) ListFriends(ctx context.Context) (*api.ListFriendsResponse, error) {
	out := new(api.ListFriendsResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "ListFriends", &api.ListFriendsRequest{}, out)
}

func (c *Client) OpenConversation(ctx context.Context, req *api.OpenConversationRequest) (*api.ConversationResponse, error) {
	out := new(api.ConversationResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "OpenConversation", req, out)
}

func (c *Client) ListMessages(ctx context.Context) (*api.ConversationResponse, error) {
	out := new(api.ConversationResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "ListMessages", &api.ListMessagesRequest{}, out)
}

func (c *Client) ListRequests(ctx context.Context) (*api.ListRequestsResponse, error) {
	out := new(api.ListRequestsResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "ListRequests", &api.ListRequestsRequest{}, out)
}

func (c *Client) RespondRequest(ctx context.Context, req *api.RespondRequestRequest) (*api.ListRequestsResponse, error) {
	out := new(api.ListRequestsResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "RespondRequest", req, out)
}

func (c *Client) SearchUsers(ctx context.Context, query string) (*api.SearchUsersResponse, error) {
	out := new(api.SearchUsersResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "SearchUsers", &api.SearchUsersRequest{Query: query}, out)
}

func (c *Client) AddFriend(ctx context.Context, req *api.AddFriendRequest) (*api.ListFriendsResponse, error) {
	out := new(api.ListFriendsResponse)
	return out, c.invoke(ctx, api.ChatServiceName, "AddFriend", req, out)
}

func (c *Client) Send(ctx context.Context, req *api.SendRequest) (*api.SendResponse, error) {
	out := new(api.SendResponse)
	return out, c.invoke(ctx, api.MessageServiceName, "Send", req, out)
}

func (c *Client) Retry(ctx context.Context, clientTempID string) error {
	return c.invoke(ctx, api.MessageServiceName, "Retry", &api.RetryRequest{ClientTempID: clientTempID}, new(api.RetryResponse))
}

func (c *Client) SearchMessages(ctx context.Context, req *api.SearchMessagesRequest) (*api.SearchMessagesResponse, error) {
	out := new(api.SearchMessagesResponse)
	return out, c.invoke(ctx, api.MessageServiceName, "Search", req, out)
}

func (c *Client) ListOutbox(ctx context.Context, req *api.ListOutboxRequest) (*api.ListOutboxResponse, error) {
	out := new(api.ListOutboxResponse)
	return out, c.invoke(ctx, api.MessageServiceName, "ListOutbox", req, out)
}

// WatchEvents streams bus events until ctx is done or fn returns an error.
// Payloads arrive as generic JSON values.
func (c *Client) WatchEvents(ctx context.Context, req *api.WatchEventsRequest, fn func(*api.EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &api.WatchEventsStreamDesc, api.Method(api.ChatServiceName, "WatchEvents"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(api.EventEnvelope)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
