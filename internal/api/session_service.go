package api

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/status"
	"github.com/matheus3301/palaver/internal/store"
)

// Authenticator starts and ends the chat session.
type Authenticator interface {
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context) error
}

// SessionService implements SessionServer.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	rec         *reconcile.Reconciler
	db          *store.DB
	auth        Authenticator
}

// NewSessionService creates a new session service. db and auth may be nil.
func NewSessionService(sessionName string, machine *status.Machine, rec *reconcile.Reconciler, db *store.DB, auth Authenticator) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		rec:         rec,
		db:          db,
		auth:        auth,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *GetStatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:  s.sessionName,
		State:    s.machine.Current(),
		Reason:   s.machine.Reason(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}

	if s.rec != nil {
		snap := s.rec.Snapshot()
		if !snap.Self.UserID.IsZero() {
			resp.User = &User{ID: snap.Self.UserID, Name: snap.Self.Name, Email: snap.Self.Email}
		}
		resp.Friends = len(snap.Friends)
		for _, f := range snap.Friends {
			resp.Unread += f.UnreadCount
			if f.Online {
				resp.Online++
			}
		}
		resp.PendingRequests = snap.PendingRequests
		resp.OpenFriend = snap.OpenID
	}

	if s.db != nil {
		if failed, err := s.db.ListOutbox(store.OutboxFailed); err == nil {
			resp.FailedSends = len(failed)
		}
	}
	return resp, nil
}

func (s *SessionService) Login(ctx context.Context, req *LoginRequest) (*StatusResponse, error) {
	if s.auth == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "authentication not available")
	}
	if req.Email == "" || req.Password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email and password are required")
	}
	if err := s.auth.Login(ctx, req.Email, req.Password); err != nil {
		return nil, toStatus("login", err)
	}
	return s.GetStatus(ctx, &GetStatusRequest{})
}

func (s *SessionService) Logout(ctx context.Context, _ *LogoutRequest) (*StatusResponse, error) {
	if s.auth == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "authentication not available")
	}
	if err := s.auth.Logout(ctx); err != nil {
		return nil, toStatus("logout", err)
	}
	return s.GetStatus(ctx, &GetStatusRequest{})
}
