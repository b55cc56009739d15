package api

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/store"
)

// Sender delivers outgoing messages.
type Sender interface {
	Send(ctx context.Context, to chat.UserID, text string, attachments []string) (chat.Message, error)
	Retry(ctx context.Context, clientTempID string) error
}

// MessageService implements MessageServer.
type MessageService struct {
	sender Sender
	db     *store.DB
}

// NewMessageService creates a new message service.
func NewMessageService(sender Sender, db *store.DB) *MessageService {
	return &MessageService{sender: sender, db: db}
}

func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message is empty")
	}
	m, err := s.sender.Send(ctx, chat.ParseUserID(req.To.String()), req.Text, req.Attachments)
	switch {
	case err == nil:
		return &SendResponse{Message: m}, nil
	case errors.Is(err, chat.ErrNotConnected) && m.ClientTempID != "":
		return &SendResponse{Message: m, Error: err.Error()}, nil
	case errors.Is(err, chat.ErrInvalidRecipient), errors.Is(err, reconcile.ErrNoSession):
		return nil, toStatus("send", err)
	case m.ClientTempID == "":
		// Rejected before anything was recorded, like an unreadable attachment.
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "send: %v", err)
	default:
		return nil, toStatus("send", err)
	}
}

func (s *MessageService) Retry(ctx context.Context, req *RetryRequest) (*RetryResponse, error) {
	if req.ClientTempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "client temp id is required")
	}
	if err := s.sender.Retry(ctx, req.ClientTempID); err != nil {
		return nil, toStatus("retry", err)
	}
	return &RetryResponse{}, nil
}

func (s *MessageService) Search(_ context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	results, err := s.db.SearchMessages(req.Query, req.FriendID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{Partner: r.Partner, Message: r.Message, Snippet: r.Snippet})
	}
	return &SearchMessagesResponse{Results: hits}, nil
}

func (s *MessageService) ListOutbox(_ context.Context, req *ListOutboxRequest) (*ListOutboxResponse, error) {
	st := req.Status
	if st == "" {
		st = store.OutboxFailed
	}
	entries, err := s.db.ListOutbox(st)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list outbox: %v", err)
	}
	items := make([]OutboxItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, OutboxItem{
			ClientTempID: e.ClientTempID,
			To:           e.Receiver,
			Text:         e.Body,
			Attachments:  e.Attachments,
			Status:       e.Status,
			Attempts:     e.Attempts,
			Error:        e.ErrorMessage,
			ServerMsgID:  e.ServerMsgID,
			CreatedAt:    e.CreatedAt,
		})
	}
	return &ListOutboxResponse{Entries: items}, nil
}
