package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a running engine.
type Client struct {
	cc     grpc.ClientConnInterface
	health healthpb.HealthClient
	close  func() error
}

// Dial connects to the engine's unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := NewClient(conn)
	c.close = conn.Close
	return c, nil
}

// NewClient wraps an existing connection. Close is then a no-op.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, health: healthpb.NewHealthClient(cc)}
}

func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// Healthy reports whether the engine's health service answers SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Status"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) SyncNow(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SyncNow"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) RetryMessage(ctx context.Context, messageID string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, fullMethod("RetryMessage"), wrapperspb.String(messageID), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// OutboxEntry is one row of ListOutbox.
type OutboxEntry struct {
	MessageID      string
	ConversationID string
	RetryCount     int
	EnqueuedAt     int64
}

func (c *Client) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ListOutbox"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var entries []OutboxEntry
	for _, v := range out.GetFields()["entries"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		entries = append(entries, OutboxEntry{
			MessageID:      f["message_id"].GetStringValue(),
			ConversationID: f["conversation_id"].GetStringValue(),
			RetryCount:     int(f["retry_count"].GetNumberValue()),
			EnqueuedAt:     int64(f["enqueued_at"].GetNumberValue()),
		})
	}
	return entries, nil
}

// SendRequest addresses a message by conversation or by direct recipient.
type SendRequest struct {
	ConversationID string
	RecipientID    string
	Text           string
	AttachmentURL  string
}

// SendText composes a message and returns its id.
func (c *Client) SendText(ctx context.Context, req SendRequest) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"conversation_id": req.ConversationID,
		"recipient_id":    req.RecipientID,
		"text":            req.Text,
		"attachment_url":  req.AttachmentURL,
	})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SendText"), in, out); err != nil {
		return "", err
	}
	return out.GetFields()["message_id"].GetStringValue(), nil
}

func (c *Client) SetOnline(ctx context.Context, online bool) error {
	return c.cc.Invoke(ctx, fullMethod("SetOnline"), wrapperspb.Bool(online), new(emptypb.Empty))
}

func (c *Client) SetForeground(ctx context.Context, foreground bool) error {
	return c.cc.Invoke(ctx, fullMethod("SetForeground"), wrapperspb.Bool(foreground), new(emptypb.Empty))
}
