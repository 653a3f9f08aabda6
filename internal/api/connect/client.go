package connect

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"

	"github.com/osa030/voxlink/internal/app/notification"
)

// Client calls the control service.
type Client struct {
	http    connect.HTTPClient
	baseURL string
	opts    []connect.ClientOption
}

// NewClient creates a client for the server at baseURL. token may be empty when the
// server runs without authentication.
func NewClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *Client {
	base := []connect.ClientOption{connect.WithCodec(jsonCodec{})}
	if token != "" {
		base = append(base, connect.WithInterceptors(NewTokenInterceptor(token)))
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    append(base, opts...),
	}
}

// Call invokes a unary procedure.
func Call[Req, Res any](ctx context.Context, c *Client, procedure string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.http, c.baseURL+procedure, c.opts...)
	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Subscribe streams notifications to fn until ctx ends, the server closes the stream
// or fn returns an error.
func (c *Client) Subscribe(ctx context.Context, req *SubscribeRequest, fn func(*notification.Notification) error) error {
	client := connect.NewClient[SubscribeRequest, notification.Notification](c.http, c.baseURL+ProcedureSubscribe, c.opts...)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(req))
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(stream.Msg()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
