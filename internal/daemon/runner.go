package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/config"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/restapi"
	"github.com/matheus3301/palaver/internal/session"
	"github.com/matheus3301/palaver/internal/status"
	"github.com/matheus3301/palaver/internal/store"
	"github.com/matheus3301/palaver/internal/transport"
)

var errNoCredentials = errors.New("no token or credentials configured")

// Authority is the REST side of authentication.
type Authority interface {
	SetToken(token string)
	Me(ctx context.Context) (chat.Friend, error)
	Login(ctx context.Context, email, password string) (restapi.LoginResult, error)
}

// Link is the realtime connection kept open for the session.
type Link interface {
	SetToken(token string)
	Run(ctx context.Context) error
}

// Syncer restores cached state and pulls fresh state at login.
type Syncer interface {
	Restore(id session.Identity) error
	RefreshRoster(ctx context.Context) error
	RefreshRequests(ctx context.Context) error
}

// Runner owns the authenticated session: it logs in, initializes the
// reconciler, and keeps the socket running until logout or shutdown.
type Runner struct {
	auth    config.AuthConfig
	db      *store.DB
	rest    Authority
	link    Link
	syncer  Syncer
	rec     *reconcile.Reconciler
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	base   context.Context
	stop   context.CancelFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a session runner.
func NewRunner(auth config.AuthConfig, db *store.DB, rest Authority, link Link, syncer Syncer, rec *reconcile.Reconciler, machine *status.Machine, logger *zap.Logger) *Runner {
	return &Runner{
		auth:    auth,
		db:      db,
		rest:    rest,
		link:    link,
		syncer:  syncer,
		rec:     rec,
		machine: machine,
		logger:  logger.Named("runner"),
	}
}

// Start authenticates with the configured or stored credentials in the
// background. Without usable credentials the daemon waits in AUTH_REQUIRED.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.base, r.stop = context.WithCancel(ctx)
	r.mu.Unlock()
	r.launch(func(ctx context.Context) (session.Identity, error) { return r.authenticate(ctx) })
}

// Stop ends the session loop and waits for it.
func (r *Runner) Stop() {
	r.halt()
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Login replaces the current session with one for email.
func (r *Runner) Login(ctx context.Context, email, password string) error {
	res, err := r.rest.Login(ctx, email, password)
	if err != nil {
		return err
	}
	id := session.Identity{UserID: res.User.ID, Name: res.User.Name, Email: res.User.Email, Token: res.Token}
	if id.UserID.IsZero() {
		me, err := r.rest.Me(ctx)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		id.UserID, id.Name, id.Email = me.ID, me.Name, me.Email
	}
	r.halt()
	r.moveTo(status.AuthRequired, "")
	r.launch(func(context.Context) (session.Identity, error) { return id, nil })
	return nil
}

// Logout ends the session and wipes the cache, including the stored token.
func (r *Runner) Logout(context.Context) error {
	r.halt()
	r.rec.Teardown()
	r.rest.SetToken("")
	r.link.SetToken("")
	if err := r.db.Wipe(); err != nil {
		return fmt.Errorf("wipe cache: %w", err)
	}
	r.moveTo(status.AuthRequired, "logged out")
	r.logger.Info("logged out")
	return nil
}

// launch starts a session loop whose identity comes from resolve.
func (r *Runner) launch(resolve func(context.Context) (session.Identity, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base == nil || r.base.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.base)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		id, err := resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errNoCredentials) || restapi.IsUnauthorized(err) {
				r.logger.Info("authentication required", zap.Error(err))
				r.moveTo(status.AuthRequired, err.Error())
			} else {
				r.logger.Error("authentication failed", zap.Error(err))
				r.moveTo(status.Error, err.Error())
			}
			return
		}
		r.run(ctx, id)
	}()
}

func (r *Runner) halt() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// run bootstraps the session for id and serves the socket until ctx ends.
func (r *Runner) run(ctx context.Context, id session.Identity) {
	logger := r.logger.With(zap.String("user", id.UserID.String()))
	if err := r.rec.Init(id); err != nil {
		r.moveTo(status.Error, err.Error())
		return
	}
	if err := r.syncer.Restore(id); err != nil {
		logger.Warn("cache restore failed", zap.Error(err))
	}
	if err := r.db.SetState(store.StateToken, id.Token); err != nil {
		logger.Warn("failed to store token", zap.Error(err))
	}
	r.rest.SetToken(id.Token)
	r.link.SetToken(id.Token)
	r.moveTo(status.Connecting, "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.syncer.RefreshRoster(gctx) })
	g.Go(func() error { return r.syncer.RefreshRequests(gctx) })
	if err := g.Wait(); err != nil {
		logger.Warn("initial refresh failed, serving cached state", zap.Error(err))
	}

	logger.Info("session started")
	err := r.link.Run(ctx)
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		logger.Warn("socket rejected the token")
		_ = r.db.SetState(store.StateToken, "")
		r.moveTo(status.AuthRequired, "session expired")
		return
	}
	if err != nil {
		r.moveTo(status.Error, err.Error())
	}
}

// authenticate resolves the identity from the configured token, the stored
// token, then the configured password. When the server is unreachable the
// cached identity is used so the cache can be served offline.
func (r *Runner) authenticate(ctx context.Context) (session.Identity, error) {
	token := r.auth.Token
	if token == "" {
		stored, _, err := r.db.GetState(store.StateToken)
		if err != nil {
			return session.Identity{}, err
		}
		token = stored
	}

	if token != "" {
		r.rest.SetToken(token)
		me, err := r.rest.Me(ctx)
		switch {
		case err == nil:
			return session.Identity{UserID: me.ID, Name: me.Name, Email: me.Email, Token: token}, nil
		case restapi.IsUnauthorized(err):
			r.logger.Info("stored token rejected")
		default:
			if id, ok := r.cachedIdentity(token); ok {
				r.logger.Warn("server unreachable, starting from cache", zap.Error(err))
				return id, nil
			}
			return session.Identity{}, err
		}
	}

	if r.auth.Email == "" || r.auth.Password == "" {
		return session.Identity{}, errNoCredentials
	}
	res, err := r.rest.Login(ctx, r.auth.Email, r.auth.Password)
	if err != nil {
		return session.Identity{}, err
	}
	return session.Identity{UserID: res.User.ID, Name: res.User.Name, Email: res.User.Email, Token: res.Token}, nil
}

func (r *Runner) cachedIdentity(token string) (session.Identity, bool) {
	id, ok, err := r.db.GetState(store.StateSelfID)
	if err != nil || !ok || id == "" {
		return session.Identity{}, false
	}
	name, _, _ := r.db.GetState(store.StateSelfName)
	return session.Identity{UserID: chat.UserID(id), Name: name, Token: token}, true
}

// moveTo transitions the status machine to state along a valid path.
func (r *Runner) moveTo(to status.State, reason string) {
	cur := r.machine.Current()
	if cur == to {
		return
	}
	if cur == status.Error {
		_ = r.machine.Transition(status.Booting)
	}
	if to == status.Connecting && (cur == status.Ready || cur == status.Reconnecting) {
		_ = r.machine.Transition(status.AuthRequired)
	}
	if err := r.machine.TransitionWithReason(to, reason); err != nil {
		r.logger.Warn("status transition refused", zap.Error(err))
	}
}
