// Package lesson runs the document side of a lesson-plan generation: it
// attaches a placeholder card when document content starts streaming and
// swaps in the server-issued identity once the document is stored.
package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/internal/observability"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
)

// Card display strings.
const (
	LoadingTitle     = "Generating lesson plan..."
	LoadingSummary   = "The AI is thinking, please wait."
	CompletedSummary = "Lesson plan ready. Open it to view and edit the details."
	ErrorSummary     = "Lesson plan generation failed. Please try again."
	EmptySummary     = "No lesson plan content was produced."
)

// titleRunes is how much of the user's request goes into a document title.
const titleRunes = 20

// State is the reconciliation state of one generation attempt.
type State string

const (
	StateNotStarted State = "not-started"
	StateLoading    State = "loading"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// ErrNoDocumentID is returned when the backend accepted a document but did
// not return its id.
var ErrNoDocumentID = errors.New("document created without an id")

// DocumentCreator stores a finished document.
type DocumentCreator interface {
	CreateDocument(ctx context.Context, title, html string) (*chatapi.Document, error)
}

// Renderer converts markdown to HTML.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Observer is told about every card transition.
type Observer interface {
	ObserveCardTransition(state State)
}

// Reconciler owns the card of one generation attempt. Begin may be called
// from the stream-read goroutine while Fail is called from another, so all
// methods are safe for concurrent use.
type Reconciler struct {
	sessionID string
	creator   DocumentCreator
	renderer  Renderer
	now       func() time.Time
	log       *logger.Logger
	observer  Observer

	mu   sync.Mutex
	card *archive.DocumentCard
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithLogger(l *logger.Logger) Option { return func(r *Reconciler) { r.log = l } }

func WithObserver(o Observer) Option { return func(r *Reconciler) { r.observer = o } }

// NewReconciler creates a Reconciler for a generation in the conversation
// sessionID ("" for a conversation the backend has not named yet).
func NewReconciler(sessionID string, creator DocumentCreator, renderer Renderer, opts ...Option) *Reconciler {
	r := &Reconciler{sessionID: sessionID, creator: creator, renderer: renderer, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrNop(r.log)
	return r
}

// Begin attaches the loading placeholder. Only the first call has an
// effect; it returns true when it created the card.
func (r *Reconciler) Begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card != nil {
		return false
	}
	r.card = archive.NewLoadingCard(NewTemporaryID(r.sessionID, r.now()), LoadingTitle, LoadingSummary)
	r.log.Debug("lesson card created", "temporary_id", r.card.TemporaryID)
	r.notify(StateLoading)
	return true
}

// EnsureStarted is the end-of-stream check: if the marker was seen but no
// card exists yet, the card is created now.
func (r *Reconciler) EnsureStarted(started bool) bool {
	if !started {
		return false
	}
	return r.Begin()
}

// State reports the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return stateOf(r.card)
}

// Card returns a copy of the card, or nil before Begin.
func (r *Reconciler) Card() *archive.DocumentCard {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card.Clone()
}

// Finalize stores the generated body as a document and completes the card.
// Without a card there is nothing to do. An empty body or any failure in
// rendering or creation moves the card to error; the returned error
// describes the failure but the card state is always final afterwards.
func (r *Reconciler) Finalize(ctx context.Context, userText, body string) error {
	if r.State() != StateLoading {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "lesson.finalize", attribute.Int("body_bytes", len(body)))
	defer span.End()

	if strings.TrimSpace(body) == "" {
		r.Fail(EmptySummary)
		return nil
	}

	html, err := r.renderer.Render(body)
	if err != nil {
		r.Fail(ErrorSummary)
		span.SetError(err)
		return fmt.Errorf("render lesson plan: %w", err)
	}

	title := DocumentTitle(userText)
	doc, err := r.creator.CreateDocument(ctx, title, html)
	if err == nil && (doc == nil || doc.ID == "") {
		err = ErrNoDocumentID
	}
	if err != nil {
		r.Fail(ErrorSummary)
		span.SetError(err)
		r.log.Warn("lesson document creation failed", "error", err)
		return fmt.Errorf("create lesson document: %w", err)
	}

	if doc.Title != "" {
		title = doc.Title
	}
	r.mu.Lock()
	cerr := r.card.Complete(doc.ID.String(), title, CompletedSummary)
	r.mu.Unlock()
	if cerr != nil {
		// Fail raced ahead, e.g. the caller cancelled during creation.
		return cerr
	}
	r.notify(StateCompleted)
	r.log.Info("lesson document stored", "document", doc.ID.String())
	return nil
}

// Fail moves an open card to error. It is a no-op before Begin or after
// the card reached a final state.
func (r *Reconciler) Fail(summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil || r.card.Status != archive.CardLoading {
		return
	}
	if summary == "" {
		summary = ErrorSummary
	}
	_ = r.card.Fail(summary)
	r.notify(StateError)
}

func (r *Reconciler) notify(s State) {
	if r.observer != nil {
		r.observer.ObserveCardTransition(s)
	}
}

func stateOf(c *archive.DocumentCard) State {
	if c == nil {
		return StateNotStarted
	}
	switch c.Status {
	case archive.CardCompleted:
		return StateCompleted
	case archive.CardError:
		return StateError
	default:
		return StateLoading
	}
}

// DocumentTitle derives a document title from the user's request.
func DocumentTitle(userText string) string {
	return "Lesson plan: " + truncateRunes(strings.TrimSpace(userText), titleRunes) + "..."
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
