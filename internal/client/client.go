// Package client is the typed gRPC client of the daemon API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
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

func call[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, api.Method(service, method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Healthy reports whether the daemon answers its health check.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Send(ctx context.Context, req *api.SendRequest) (*api.SendResponse, error) {
	return call[api.SendResponse](ctx, c, api.OutboxServiceName, "Send", req)
}

func (c *Client) ListPending(ctx context.Context, conversationID string) (*api.ListPendingResponse, error) {
	return call[api.ListPendingResponse](ctx, c, api.OutboxServiceName, "ListPending", &api.ListPendingRequest{ConversationID: conversationID})
}

func (c *Client) Retry(ctx context.Context, messageID string) (*api.OutboxItem, error) {
	return call[api.OutboxItem](ctx, c, api.OutboxServiceName, "Retry", &api.MessageRequest{MessageID: messageID})
}

func (c *Client) Dismiss(ctx context.Context, messageID string) error {
	_, err := call[api.Empty](ctx, c, api.OutboxServiceName, "Dismiss", &api.MessageRequest{MessageID: messageID})
	return err
}

func (c *Client) Drain(ctx context.Context) (*api.DrainResponse, error) {
	return call[api.DrainResponse](ctx, c, api.OutboxServiceName, "Drain", &api.Empty{})
}

func (c *Client) Open(ctx context.Context, conversationID string) (*api.View, error) {
	return call[api.View](ctx, c, api.ConversationServiceName, "Open", &api.ConversationRequest{ConversationID: conversationID})
}

func (c *Client) CloseConversation(ctx context.Context, conversationID string) (*api.CloseResponse, error) {
	return call[api.CloseResponse](ctx, c, api.ConversationServiceName, "Close", &api.ConversationRequest{ConversationID: conversationID})
}

func (c *Client) View(ctx context.Context, conversationID string) (*api.View, error) {
	return call[api.View](ctx, c, api.ConversationServiceName, "View", &api.ConversationRequest{ConversationID: conversationID})
}

func (c *Client) LoadOlder(ctx context.Context, conversationID string) (*api.LoadOlderResponse, error) {
	return call[api.LoadOlderResponse](ctx, c, api.ConversationServiceName, "LoadOlder", &api.ConversationRequest{ConversationID: conversationID})
}

func (c *Client) Refresh(ctx context.Context, conversationID string) (*api.View, error) {
	return call[api.View](ctx, c, api.ConversationServiceName, "Refresh", &api.ConversationRequest{ConversationID: conversationID})
}

func (c *Client) MarkRead(ctx context.Context, req *api.MarkReadRequest) (*api.MarkReadResponse, error) {
	return call[api.MarkReadResponse](ctx, c, api.ConversationServiceName, "MarkRead", req)
}

func (c *Client) Peers(ctx context.Context, conversationID string) (*api.PeersResponse, error) {
	return call[api.PeersResponse](ctx, c, api.ConversationServiceName, "Peers", &api.ConversationRequest{ConversationID: conversationID})
}

// Watch streams daemon events to fn until ctx ends, the stream breaks or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, conversationID string, fn func(*api.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &api.WatchStream, api.Method(api.ConversationServiceName, "Watch"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&api.WatchRequest{ConversationID: conversationID}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(api.Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, api.SessionServiceName, "Status", &api.Empty{})
}

func (c *Client) Login(ctx context.Context, token string) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, api.SessionServiceName, "Login", &api.LoginRequest{Token: token})
}

func (c *Client) Logout(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, api.SessionServiceName, "Logout", &api.Empty{})
}

func (c *Client) SetOnline(ctx context.Context, online bool) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, api.SessionServiceName, "SetOnline", &api.SetOnlineRequest{Online: online})
}

func (c *Client) Foreground(ctx context.Context) (*api.DrainResponse, error) {
	return call[api.DrainResponse](ctx, c, api.SessionServiceName, "Foreground", &api.Empty{})
}
