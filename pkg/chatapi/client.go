// Package chatapi is the HTTP client for the lesson-plan backend: the
// streaming chat endpoint, the document store and the auth endpoints.
package chatapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
)

// Endpoint paths relative to Config.BaseURL.
const (
	PathLogin      = "/login"
	PathRegister   = "/register"
	PathChat       = "/chat"
	PathDocuments  = "/documents"
	PathExportDocx = "/htmlToDocx"
	PathRefresh    = "/auth/refresh"
	PathLogout     = "/auth/logout"
)

// Messages the backend sends with a 401 when the bearer token is unusable.
const (
	MsgTokenInvalid = "token无效或已过期"
	MsgTokenMissing = "未提供token，禁止访问"
)

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://rgcwdfzvbeib.sealosbja.site/api"

// ErrAuthInvalid means the credentials were rejected and could not be
// refreshed. Callers must clear the session and re-authenticate.
var ErrAuthInvalid = errors.New("authentication invalid or expired")

// TransportError is a network or HTTP-level failure that is not an auth
// failure.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TokenSource supplies the current bearer token.
type TokenSource interface {
	Token() string
}

// Refresher obtains a new access token after a 401. Implementations are
// expected to collapse concurrent calls into one request.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Config configures the client.
type Config struct {
	BaseURL string `yaml:"base_url"`
	// Timeout bounds non-streaming requests.
	Timeout time.Duration `yaml:"timeout"`
	// SendRate limits chat sends per second; zero disables limiting.
	SendRate float64 `yaml:"send_rate"`
	// SendBurst is the limiter burst size.
	SendBurst int `yaml:"send_burst"`
}

// Client talks to the backend.
type Client struct {
	cfg       Config
	http      *resty.Client
	stream    *http.Client
	tokens    TokenSource
	refresher Refresher
	limiter   *rate.Limiter
	log       *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRefresher enables one refresh-and-retry on 401 responses.
func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithLogger sets the client logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient replaces the client used for streaming requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.stream = hc }
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(cfg.Timeout),
		stream: &http.Client{},
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNop(c.log)
	return c
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// apiMessage is the error body shape shared by every endpoint.
type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// IsTokenRejection reports whether a 401 body message names a bad or
// missing token.
func IsTokenRejection(message string) bool {
	return message == MsgTokenInvalid || message == MsgTokenMissing
}

type call struct {
	op     string
	method string
	path   string
	body   any
	result any
	authed bool
}

// execute runs a JSON request. Authenticated calls that get a 401 are
// retried once after a token refresh.
func (c *Client) execute(ctx context.Context, cl call) (*resty.Response, error) {
	send := func(token string) (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetError(&apiMessage{})
		if cl.body != nil {
			req.SetBody(cl.body)
		}
		if cl.result != nil {
			req.SetResult(cl.result)
		}
		if cl.authed && token != "" {
			req.SetAuthToken(token)
		}
		return req.Execute(cl.method, cl.path)
	}

	resp, err := send(c.token())
	if err != nil {
		return nil, &TransportError{Op: cl.op, Err: err}
	}

	if resp.StatusCode() == http.StatusUnauthorized && cl.authed && c.refresher != nil {
		c.log.Debug("access token rejected, refreshing", "op", cl.op)
		if tok, rerr := c.refresher.Refresh(ctx); rerr == nil {
			resp, err = send(tok)
			if err != nil {
				return nil, &TransportError{Op: cl.op, Err: err}
			}
		} else {
			c.log.Warn("token refresh failed", "op", cl.op, "error", rerr)
			return nil, ErrAuthInvalid
		}
	}

	if resp.IsError() {
		msg := errorMessage(resp)
		if resp.StatusCode() == http.StatusUnauthorized && (cl.authed || IsTokenRejection(msg)) {
			return nil, ErrAuthInvalid
		}
		return nil, &TransportError{Op: cl.op, StatusCode: resp.StatusCode(), Err: errors.New(msg)}
	}
	return resp, nil
}

func errorMessage(resp *resty.Response) string {
	if m, ok := resp.Error().(*apiMessage); ok && m.Message != "" {
		return m.Message
	}
	if s := strings.TrimSpace(resp.String()); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode())
}
