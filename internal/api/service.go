package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/msgsync/internal/failure"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/presence"
	"github.com/matheus3301/msgsync/internal/store"
)

// Outbox is the part of the sync orchestrator the service drives.
type Outbox interface {
	RunPass(ctx context.Context) outbox.PassResult
	RetryMessage(ctx context.Context, messageID string) bool
	Compose(ctx context.Context, d outbox.Draft) (store.Message, error)
}

// Queue lists pending outbox entries.
type Queue interface {
	ListOutbound() ([]store.OutboxEntry, error)
}

// Network is the connectivity monitor.
type Network interface {
	Online() bool
	Set(online bool)
}

// Presence is the presence tracker.
type Presence interface {
	State() presence.State
	Foreground()
	Background()
}

// Service implements EngineServer for one signed-in user.
type Service struct {
	userID   string
	outbox   Outbox
	queue    Queue
	net      Network
	presence Presence
	logger   *zap.Logger
	started  time.Time
}

var _ EngineServer = (*Service)(nil)

// NewService creates the control service.
func NewService(userID string, ob Outbox, q Queue, net Network, p Presence, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		userID:   userID,
		outbox:   ob,
		queue:    q,
		net:      net,
		presence: p,
		logger:   logger,
		started:  time.Now(),
	}
}

func (s *Service) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := s.queue.ListOutbound()
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"user_id":        s.userID,
		"online":         s.net.Online(),
		"presence":       string(s.presence.State()),
		"outbox_depth":   len(entries),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Service) SyncNow(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res := s.outbox.RunPass(ctx)
	return structpb.NewStruct(map[string]any{
		"skipped":   res.Skipped,
		"processed": res.Processed,
		"sent":      res.Sent,
		"failed":    res.Failed,
		"stopped":   res.Stopped,
	})
}

func (s *Service) RetryMessage(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message id is required")
	}
	return wrapperspb.Bool(s.outbox.RetryMessage(ctx, req.GetValue())), nil
}

func (s *Service) ListOutbox(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := s.queue.ListOutbound()
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{
			"message_id":      e.MessageID,
			"conversation_id": e.ConversationID,
			"retry_count":     e.RetryCount,
			"enqueued_at":     e.EnqueuedAt,
		})
	}
	return structpb.NewStruct(map[string]any{"entries": list})
}

func (s *Service) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	d := outbox.Draft{
		ConversationID: f["conversation_id"].GetStringValue(),
		RecipientID:    f["recipient_id"].GetStringValue(),
		SenderID:       s.userID,
		Text:           f["text"].GetStringValue(),
		AttachmentURL:  f["attachment_url"].GetStringValue(),
	}
	m, err := s.outbox.Compose(ctx, d)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"message_id":      m.ID,
		"conversation_id": m.ConversationID,
		"status":          string(m.Status),
		"timestamp":       m.Timestamp,
	})
}

func (s *Service) SetOnline(_ context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	s.logger.Info("connectivity set by control client", zap.Bool("online", req.GetValue()))
	s.net.Set(req.GetValue())
	return &emptypb.Empty{}, nil
}

func (s *Service) SetForeground(_ context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	if req.GetValue() {
		s.presence.Foreground()
	} else {
		s.presence.Background()
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case failure.Is(err, failure.Storage):
		return grpcstatus.Error(codes.Internal, err.Error())
	case failure.Retryable(err):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	default:
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
}
