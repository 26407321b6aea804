package documents

import (
	"context"
	"sync"
	"time"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
)

// DefaultSaveDelay is how long an edit must sit idle before it is saved.
const DefaultSaveDelay = time.Second

// Updater writes document content.
type Updater interface {
	UpdateDocument(ctx context.Context, id string, patch chatapi.DocumentPatch) error
}

// AutoSaver debounces content edits of one document. Each Schedule call
// restarts the idle timer; when it fires the latest content is saved.
type AutoSaver struct {
	updater Updater
	docID   string
	delay   time.Duration
	timeout time.Duration
	log     *logger.Logger
	onSaved func(error)

	mu     sync.Mutex
	latest string
	timer  *time.Timer
	closed bool

	saveMu sync.Mutex
}

// AutoSaveOption configures an AutoSaver.
type AutoSaveOption func(*AutoSaver)

func WithDelay(d time.Duration) AutoSaveOption { return func(a *AutoSaver) { a.delay = d } }

func WithSaveTimeout(d time.Duration) AutoSaveOption {
	return func(a *AutoSaver) { a.timeout = d }
}

func WithAutoSaveLogger(l *logger.Logger) AutoSaveOption {
	return func(a *AutoSaver) { a.log = l }
}

// WithOnSaved is called after every background save with its result.
func WithOnSaved(fn func(error)) AutoSaveOption {
	return func(a *AutoSaver) { a.onSaved = fn }
}

// NewAutoSaver creates an AutoSaver for docID.
func NewAutoSaver(updater Updater, docID string, opts ...AutoSaveOption) *AutoSaver {
	a := &AutoSaver{updater: updater, docID: docID, delay: DefaultSaveDelay, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.OrNop(a.log)
	return a
}

// Schedule records html as the latest content and restarts the idle timer.
func (a *AutoSaver) Schedule(html string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.docID == "" {
		return
	}
	a.latest = html
	if a.timer != nil {
		a.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(a.delay, func() { a.fire(t) })
	a.timer = t
}

// Pending reports whether an edit is waiting for its timer.
func (a *AutoSaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Flush saves a pending edit immediately. It does nothing when no edit
// is waiting.
func (a *AutoSaver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.timer == nil {
		a.mu.Unlock()
		return nil
	}
	a.timer.Stop()
	a.timer = nil
	content := a.latest
	a.mu.Unlock()
	return a.save(ctx, content)
}

// Close stops the timer. Pending edits are dropped; call Flush first to keep them.
func (a *AutoSaver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// fire saves for timer t. A timer that was superseded by a later Schedule
// or consumed by Flush does nothing.
func (a *AutoSaver) fire(t *time.Timer) {
	a.mu.Lock()
	if a.closed || a.timer != t {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	content := a.latest
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	err := a.save(ctx, content)
	if err != nil {
		a.log.Warn("autosave failed", "document", a.docID, "error", err)
	}
	if a.onSaved != nil {
		a.onSaved(err)
	}
}

func (a *AutoSaver) save(ctx context.Context, content string) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	return a.updater.UpdateDocument(ctx, a.docID, chatapi.DocumentPatch{Content: &content})
}
