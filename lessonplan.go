// Package lessonplan wires the lesson-plan chat client together: storage,
// credentials, the backend client, the conversation archive and the chat
// view, all configured from a config.Config.
package lessonplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/internal/observability"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/auth"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chat"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/config"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/documents"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
	metrics "github.com/cwhhwc/AI-lesson-plan-writing/pkg/observability"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/render"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/writequeue"
)

// App holds every long-lived component of the client.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Store    kv.Store
	Session  *auth.Session
	Client   *chatapi.Client
	Queue    *writequeue.Queue
	Archive  *archive.Service
	Library  *documents.Library
	Renderer *render.Renderer
	Metrics  *metrics.Metrics
	Health   *metrics.HealthChecker

	tracing bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	log     *logger.Logger
	store   kv.Store
	metrics *metrics.Metrics
}

// WithLogger uses l instead of building one from the log section.
func WithLogger(l *logger.Logger) Option { return func(o *options) { o.log = l } }

// WithStore uses s instead of opening the configured storage driver.
func WithStore(s kv.Store) Option { return func(o *options) { o.store = s } }

// WithMetrics uses m instead of the process-wide metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Log: o.log, Store: o.store, Metrics: o.metrics}
	if a.Log == nil {
		l, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		a.Log = l
	}
	if a.Metrics == nil {
		a.Metrics = metrics.InitMetrics()
	}

	tracing := cfg.Observability.Tracing
	tracing.Enabled = tracing.ExporterType != "" && tracing.ExporterType != observability.ExporterNone
	if tracing.Enabled {
		if err := observability.Init(tracing, a.Log); err != nil {
			a.Log.Warn("tracing disabled", "error", err)
		} else {
			a.tracing = true
		}
	}

	if a.Store == nil {
		store, err := kv.Open(cfg.Storage.KVOptions())
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.Store = store
	}

	session, err := auth.NewSession(ctx, a.Store, a.Log.Named("auth"))
	if err != nil {
		_ = a.Store.Close()
		return nil, err
	}
	a.Session = session

	var client *chatapi.Client
	refresher := auth.NewRefresher(session, func(ctx context.Context) (string, error) {
		return client.RefreshToken(ctx)
	})
	client = chatapi.New(cfg.API,
		chatapi.WithTokenSource(session),
		chatapi.WithRefresher(refresher),
		chatapi.WithLogger(a.Log.Named("api")),
	)
	a.Client = client

	a.Queue = writequeue.New(writequeue.WithLogger(a.Log.Named("queue")), writequeue.WithObserver(a.Metrics))
	a.Archive = archive.NewService(
		archive.NewStore(a.Store, archive.WithStoreLogger(a.Log.Named("archive"))),
		a.Queue,
		archive.WithServiceLogger(a.Log.Named("archive")),
		archive.WithObserver(a.Metrics),
	)
	a.Library = documents.NewLibrary(client, a.Log.Named("documents"))
	a.Renderer = render.New()

	a.Health = metrics.NewHealthChecker(metrics.WithQueueStatus(a.Queue.Status))
	if p, ok := a.Store.(kv.Pinger); ok {
		a.Health.RegisterCheck(metrics.StoreCheck(p))
	}
	a.Health.RegisterCheck(metrics.ExternalServiceCheck("backend", metrics.HTTPReachable(nil, cfg.API.BaseURL)))

	return a, nil
}

// NewConversation returns a chat view backed by the App's components.
func (a *App) NewConversation(hooks chat.Hooks) *chat.Conversation {
	return chat.New(chat.Deps{
		Streamer:  a.Client,
		Archive:   a.Archive,
		Identity:  a.Session,
		Documents: a.Client,
		Renderer:  a.Renderer,
		Logger:    a.Log,
		Marker:    a.Config.Lesson.Marker,
		Observer:  a.Metrics,
	}, hooks)
}

// Login signs in with username and password and stores the credentials.
func (a *App) Login(ctx context.Context, username, password string, remember bool) (*auth.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	resp, err := a.Client.Login(ctx, chatapi.LoginRequest{Username: username, Password: password, RememberMe: remember})
	if err != nil {
		return nil, err
	}
	user := &auth.User{Username: username}
	if resp.UserInfo != nil {
		user.ID = resp.UserInfo.ID.String()
		if resp.UserInfo.Username != "" {
			user.Username = resp.UserInfo.Username
		}
	}
	if err := a.Session.SignIn(ctx, resp.AccessToken, user); err != nil {
		return nil, err
	}
	return a.Session.User(), nil
}

// Register creates an account. It does not sign in.
func (a *App) Register(ctx context.Context, username, password, confirm string) (string, error) {
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	resp, err := a.Client.Register(ctx, chatapi.RegisterRequest{Username: username, Password: password, ConfirmPwd: confirm})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Logout ends the server session and forgets local credentials. Local
// credentials are cleared even if the server call fails.
func (a *App) Logout(ctx context.Context) error {
	var remote error
	if a.Session.Authenticated() {
		if err := a.Client.Logout(ctx); err != nil && !errors.Is(err, chatapi.ErrAuthInvalid) {
			remote = err
		}
	}
	return errors.Join(remote, a.Session.Clear(ctx))
}

// NewAutoSaver returns a debounced saver for one document using the
// configured delay.
func (a *App) NewAutoSaver(docID string, onSaved func(error)) *documents.AutoSaver {
	return documents.NewAutoSaver(a.Client, docID,
		documents.WithDelay(a.Config.Lesson.AutosaveDelay),
		documents.WithAutoSaveLogger(a.Log.Named("autosave")),
		documents.WithOnSaved(onSaved),
	)
}

// ExportDocument converts a stored document to .docx.
func (a *App) ExportDocument(ctx context.Context, id string) (*chatapi.Export, error) {
	doc, err := a.Client.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(doc.Title)
	if name == "" {
		name = "lesson-plan-" + id
	}
	return a.Client.ExportDocx(ctx, doc.Content, name+".docx")
}

// ServeMetrics serves /metrics and /health* on addr until ctx is done.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	srv := metrics.NewServer(addr, a.Metrics, a.Health, a.Log.Named("metrics"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close flushes tracing and releases storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.tracing {
		if err := observability.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	a.Log.Sync()
	return errors.Join(errs...)
}
