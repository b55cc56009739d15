package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/reconcile"
)

// Conversations opens conversations and refreshes server state.
type Conversations interface {
	Open(ctx context.Context, friendID chat.UserID) (reconcile.Ticket, error)
	RefreshRoster(ctx context.Context) error
	RefreshRequests(ctx context.Context) error
}

// Directory is the user and friend-request side of the REST API.
type Directory interface {
	RespondRequest(ctx context.Context, requester chat.UserID, accept bool) error
	SearchUsers(ctx context.Context, query string) ([]chat.Friend, error)
	AddFriend(ctx context.Context, friendID chat.UserID) error
}

// ChatService implements ChatServer.
type ChatService struct {
	rec         *reconcile.Reconciler
	convs       Conversations
	dir         Directory
	bus         *bus.Bus
	sessionName string
	loc         *time.Location
}

// NewChatService creates a new chat service.
func NewChatService(rec *reconcile.Reconciler, convs Conversations, dir Directory, b *bus.Bus, sessionName string) *ChatService {
	return &ChatService{rec: rec, convs: convs, dir: dir, bus: b, sessionName: sessionName, loc: time.Local}
}

func (s *ChatService) ListFriends(_ context.Context, _ *ListFriendsRequest) (*ListFriendsResponse, error) {
	snap := s.rec.Snapshot()
	return &ListFriendsResponse{Friends: snap.Friends, OpenID: snap.OpenID}, nil
}

func (s *ChatService) OpenConversation(ctx context.Context, req *OpenConversationRequest) (*ConversationResponse, error) {
	id := chat.ParseUserID(req.FriendID.String())
	if id.IsZero() {
		return nil, grpcstatus.Error(codes.InvalidArgument, "friend id is required")
	}
	if _, ok := s.rec.Friend(id); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "%s is not a friend", id)
	}
	_, err := s.convs.Open(ctx, id)
	if errors.Is(err, chat.ErrFetchSuperseded) || errors.Is(err, chat.ErrInvalidRecipient) || errors.Is(err, reconcile.ErrNoSession) {
		return nil, toStatus("open conversation", err)
	}
	resp := s.conversation()
	if err != nil {
		resp.Warning = "history unavailable, showing cached messages: " + err.Error()
	}
	return resp, nil
}

func (s *ChatService) ListMessages(_ context.Context, _ *ListMessagesRequest) (*ConversationResponse, error) {
	if s.rec.OpenConversation().IsZero() {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no conversation is open")
	}
	return s.conversation(), nil
}

func (s *ChatService) conversation() *ConversationResponse {
	snap := s.rec.Snapshot()
	return &ConversationResponse{
		Friend: snap.Selected,
		Groups: s.rec.Groups(time.Now(), s.loc),
	}
}

func (s *ChatService) ListRequests(_ context.Context, _ *ListRequestsRequest) (*ListRequestsResponse, error) {
	snap := s.rec.Snapshot()
	return &ListRequestsResponse{Requests: snap.Requests, Count: snap.PendingRequests}, nil
}

func (s *ChatService) RespondRequest(ctx context.Context, req *RespondRequestRequest) (*ListRequestsResponse, error) {
	if req.From.IsZero() {
		return nil, grpcstatus.Error(codes.InvalidArgument, "requester id is required")
	}
	if err := s.dir.RespondRequest(ctx, req.From, req.Accept); err != nil {
		return nil, toStatus("respond to request", err)
	}
	s.rec.RemoveRequest(req.From)
	if req.Accept {
		if err := s.convs.RefreshRoster(ctx); err != nil {
			return nil, toStatus("refresh friends", err)
		}
	}
	return s.ListRequests(ctx, &ListRequestsRequest{})
}

func (s *ChatService) SearchUsers(ctx context.Context, req *SearchUsersRequest) (*SearchUsersResponse, error) {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	users, err := s.dir.SearchUsers(ctx, q)
	if err != nil {
		return nil, toStatus("search users", err)
	}
	self := s.rec.Self().UserID
	out := users[:0]
	for _, u := range users {
		if u.ID != self {
			out = append(out, u)
		}
	}
	return &SearchUsersResponse{Users: out}, nil
}

func (s *ChatService) AddFriend(ctx context.Context, req *AddFriendRequest) (*ListFriendsResponse, error) {
	id := chat.ParseUserID(req.FriendID.String())
	if id.IsZero() || id == s.rec.Self().UserID {
		return nil, toStatus("add friend", chat.ErrInvalidRecipient)
	}
	if err := s.dir.AddFriend(ctx, id); err != nil {
		return nil, toStatus("add friend", err)
	}
	if err := s.convs.RefreshRoster(ctx); err != nil {
		return nil, toStatus("refresh friends", err)
	}
	return s.ListFriends(ctx, &ListFriendsRequest{})
}

func (s *ChatService) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStream) error {
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	ch, unsub := s.bus.Subscribe(256, namespaces...)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.SendMsg(&EventEnvelope{
				EventID:          uuid.NewString(),
				Session:          s.sessionName,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				PayloadVersion:   1,
				Payload:          evt.Payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
