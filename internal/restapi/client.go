// Package restapi is the request/response side of the chat server. Every
// response body is passed through package normalize, so callers only see
// canonical types.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/normalize"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 16 << 20
)

// Error is a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("restapi") }
}

// Client is a bearer-token REST client.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
	token  atomic.Pointer[string]
}

// New creates a client for baseURL, e.g. http://localhost:5000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: defaultTimeout},
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) { c.token.Store(&token) }

// Token returns the current bearer token.
func (c *Client) Token() string {
	if p := c.token.Load(); p != nil {
		return *p
	}
	return ""
}

// LoginResult is the outcome of a password login.
type LoginResult struct {
	Token string
	User  chat.Friend
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return LoginResult{}, err
	}
	res := LoginResult{
		Token: gjson.GetBytes(body, "token").String(),
		User:  normalize.User(body),
	}
	if res.Token == "" {
		return LoginResult{}, fmt.Errorf("login response carries no token")
	}
	c.SetToken(res.Token)
	return res, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (chat.Friend, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/users/me", nil)
	if err != nil {
		return chat.Friend{}, err
	}
	u := normalize.User(unwrapData(body))
	if u.ID.IsZero() {
		return chat.Friend{}, fmt.Errorf("profile response carries no user id")
	}
	return u, nil
}

// Friends fetches the roster.
func (c *Client) Friends(ctx context.Context) ([]chat.Friend, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/friends", nil)
	if err != nil {
		return nil, err
	}
	return normalize.FriendList(body), nil
}

// Messages fetches the conversation history with friendID.
func (c *Client) Messages(ctx context.Context, friendID chat.UserID) ([]chat.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/messages?friendId="+url.QueryEscape(friendID.String()), nil)
	if err != nil {
		return nil, err
	}
	return normalize.MessageList(body), nil
}

// SendMessage posts a text message and returns the saved record.
func (c *Client) SendMessage(ctx context.Context, to chat.UserID, text, clientTempID string) (chat.Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/messages/send", map[string]string{
		"receiver":     to.String(),
		"text":         text,
		"clientTempId": clientTempID,
	})
	if err != nil {
		return chat.Message{}, err
	}
	return normalize.Record(body)
}

// UploadMessage posts a message with file attachments as multipart form data
// and returns the saved record.
func (c *Client) UploadMessage(ctx context.Context, to chat.UserID, text, clientTempID string, paths []string) (chat.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{"receiver": to.String(), "text": text, "clientTempId": clientTempID}
	for _, k := range []string{"receiver", "text", "clientTempId"} {
		if err := w.WriteField(k, fields[k]); err != nil {
			return chat.Message{}, err
		}
	}
	for _, p := range paths {
		if err := attachFile(w, p); err != nil {
			return chat.Message{}, err
		}
	}
	if err := w.Close(); err != nil {
		return chat.Message{}, err
	}

	body, err := c.send(ctx, http.MethodPost, "/api/messages/send", w.FormDataContentType(), &buf)
	if err != nil {
		return chat.Message{}, err
	}
	return normalize.Record(body)
}

func attachFile(w *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()
	part, err := w.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// FriendRequests lists pending incoming requests.
func (c *Client) FriendRequests(ctx context.Context) ([]chat.FriendRequest, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/friends/requests", nil)
	if err != nil {
		return nil, err
	}
	return normalize.RequestList(body), nil
}

// RespondRequest accepts or rejects a request from requester.
func (c *Client) RespondRequest(ctx context.Context, requester chat.UserID, accept bool) error {
	action := "reject"
	if accept {
		action = "accept"
	}
	_, err := c.do(ctx, http.MethodPost, "/api/friends/requests/respond", map[string]string{
		"requesterId": requester.String(),
		"action":      action,
	})
	return err
}

// SearchUsers finds users to befriend.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.Friend, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/friends/search", map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	return normalize.UserList(body), nil
}

// AddFriend sends a friend request.
func (c *Client) AddFriend(ctx context.Context, friendID chat.UserID) error {
	_, err := c.do(ctx, http.MethodPost, "/api/friends/add", map[string]string{"friendId": friendID.String()})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if payload == nil {
		return c.send(ctx, method, path, "", nil)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, "application/json", bytes.NewReader(data))
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Status: resp.StatusCode, Message: normalize.ErrorMessage(data)}
	}
	return data, nil
}

// unwrapData strips a {"data": {...}} envelope.
func unwrapData(body []byte) []byte {
	if v := gjson.GetBytes(body, "data"); v.IsObject() {
		return []byte(v.Raw)
	}
	return body
}
