// Package chat drives a single conversation view: it sends user messages,
// consumes the reply stream in chat or lesson mode, and records finished
// turns in the archive.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/internal/observability"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/demux"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/lesson"
)

// FallbackReply replaces the AI bubble when the chat service fails.
const FallbackReply = "AI service is unavailable, please try again later."

// nameRunes is how much of the first user message names a conversation.
const nameRunes = 20

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a reply is still streaming")
	ErrNoUser       = errors.New("no signed-in user")
)

// Mode selects how the reply stream is interpreted.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeLesson Mode = "lesson"
)

// Streamer opens a reply stream for a message.
type Streamer interface {
	SendChat(ctx context.Context, message, sessionID string) (*chatapi.ChatStream, error)
}

// Archive is the conversation store as seen by the chat view.
type Archive interface {
	CreateConversation(ctx context.Context, userID, sessionID, name, userText, aiText string, card *archive.DocumentCard) (*archive.ConversationRecord, error)
	AppendTurn(ctx context.Context, userID, sessionID, userText, aiText string, card *archive.DocumentCard) (*archive.ConversationRecord, error)
	RenameConversation(ctx context.Context, userID, sessionID, newName string) (*archive.ConversationRecord, error)
	DeleteConversation(ctx context.Context, userID, sessionID string) (*archive.DeleteInfo, error)
	ListConversations(ctx context.Context, userID string) ([]*archive.ConversationRecord, error)
	GetConversation(ctx context.Context, userID, sessionID string) (*archive.ConversationRecord, bool, error)
}

// Identity is the signed-in user.
type Identity interface {
	UserID() string
	Clear(ctx context.Context) error
}

// Observer receives stream metrics.
type Observer interface {
	lesson.Observer
	ObserveFragment()
	ObserveMarker()
}

// Deps are the collaborators of a Conversation. Observer and Now are optional.
type Deps struct {
	Streamer  Streamer
	Archive   Archive
	Identity  Identity
	Documents lesson.DocumentCreator
	Renderer  lesson.Renderer
	Logger    *logger.Logger
	Marker    string
	Observer  Observer
	Now       func() time.Time
}

// Hooks are optional callbacks. They run on the goroutine that triggered
// them and must not call back into the Conversation.
type Hooks struct {
	// OnUpdate receives the AI message each time it changes while streaming.
	OnUpdate func(Message)
	// OnAuthInvalid runs after credentials were cleared.
	OnAuthInvalid func()
	// OnHistoryChanged runs when conversations were created, renamed or deleted.
	OnHistoryChanged func()
}

// Conversation is the state of one chat view. Only one Send may be in
// flight; NewChat and Select may be called at any time and detach a
// running Send from the view.
type Conversation struct {
	deps  Deps
	hooks Hooks
	log   *logger.Logger

	mu        sync.Mutex
	sessionID string
	messages  []Message
	sending   bool
	gen       uint64
}

// New creates an empty Conversation.
func New(deps Deps, hooks Hooks) *Conversation {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Conversation{deps: deps, hooks: hooks, log: logger.OrNop(deps.Logger).Named("chat")}
}

// SessionID returns the current server session id, "" for a new chat.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a copy of the displayed messages.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

// NewChat starts an empty conversation.
func (c *Conversation) NewChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset("", nil)
}

// Select switches the view to a stored conversation. An unknown id yields
// an empty view bound to that id.
func (c *Conversation) Select(ctx context.Context, sessionID string) error {
	userID := c.deps.Identity.UserID()
	if userID == "" {
		return ErrNoUser
	}
	rec, found, err := c.deps.Archive.GetConversation(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	var msgs []Message
	if found {
		msgs = ToRenderMessages(rec.Messages)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(sessionID, msgs)
	return nil
}

// History lists the user's conversations, most recently active first.
func (c *Conversation) History(ctx context.Context) ([]*archive.ConversationRecord, error) {
	userID := c.deps.Identity.UserID()
	if userID == "" {
		return nil, ErrNoUser
	}
	return c.deps.Archive.ListConversations(ctx, userID)
}

// Rename renames a stored conversation.
func (c *Conversation) Rename(ctx context.Context, sessionID, name string) error {
	userID := c.deps.Identity.UserID()
	if userID == "" {
		return ErrNoUser
	}
	if _, err := c.deps.Archive.RenameConversation(ctx, userID, sessionID, name); err != nil {
		return err
	}
	c.historyChanged()
	return nil
}

// Delete removes a stored conversation. Deleting the conversation on
// screen also resets the view.
func (c *Conversation) Delete(ctx context.Context, sessionID string) (*archive.DeleteInfo, error) {
	userID := c.deps.Identity.UserID()
	if userID == "" {
		return nil, ErrNoUser
	}
	info, err := c.deps.Archive.DeleteConversation(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.reset("", nil)
	}
	c.mu.Unlock()
	if info.Deleted {
		c.historyChanged()
	}
	return info, nil
}

// Send posts text and consumes the reply. It returns the final AI message.
// Errors from the stream are reported after the AI message was settled:
// the fallback text in chat mode, an error card in lesson mode.
func (c *Conversation) Send(ctx context.Context, text string, mode Mode) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return Message{}, ErrBusy
	}
	c.sending = true
	c.messages = append(c.messages, Message{Role: RoleUser, Content: text}, Message{Role: RoleAI})
	t := &turn{
		c:         c,
		gen:       c.gen,
		index:     len(c.messages) - 1,
		userText:  text,
		sessionID: c.sessionID,
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	ctx, span := observability.StartSpan(ctx, "chat.send", attribute.String("mode", string(mode)))
	defer span.End()

	var err error
	if mode == ModeLesson {
		err = t.runLesson(ctx)
	} else {
		err = t.runChat(ctx)
	}
	if err != nil {
		span.SetError(err)
	}
	return t.snapshot(), err
}

// reset must be called with c.mu held.
func (c *Conversation) reset(sessionID string, msgs []Message) {
	c.gen++
	c.sessionID = sessionID
	c.messages = msgs
}

func (c *Conversation) historyChanged() {
	if c.hooks.OnHistoryChanged != nil {
		c.hooks.OnHistoryChanged()
	}
}

func (c *Conversation) authInvalid(ctx context.Context) error {
	c.log.Warn("credentials rejected, signing out")
	if err := c.deps.Identity.Clear(context.WithoutCancel(ctx)); err != nil {
		c.log.Error("clear credentials failed", "error", err)
	}
	if c.hooks.OnAuthInvalid != nil {
		c.hooks.OnAuthInvalid()
	}
	return chatapi.ErrAuthInvalid
}

// persist records a finished turn. A conversation the archive does not
// know yet is created and named after the user text.
func (c *Conversation) persist(ctx context.Context, sessionID, userText, aiText string, card *archive.DocumentCard) error {
	if aiText == "" && card == nil {
		return nil
	}
	userID := c.deps.Identity.UserID()
	if userID == "" {
		c.log.Warn("not signed in, turn not saved")
		return nil
	}
	if sessionID == "" {
		c.log.Warn("reply carried no session id, turn not saved")
		return nil
	}

	_, found, err := c.deps.Archive.GetConversation(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}
	if found {
		_, err = c.deps.Archive.AppendTurn(ctx, userID, sessionID, userText, aiText, card)
		if !errors.Is(err, archive.ErrNotFound) {
			if err != nil {
				return fmt.Errorf("persist turn: %w", err)
			}
			return nil
		}
		// Deleted between the lookup and the append.
	}
	if _, err := c.deps.Archive.CreateConversation(ctx, userID, sessionID, conversationName(userText), userText, aiText, card); err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}
	c.historyChanged()
	return nil
}

func conversationName(userText string) string {
	if utf8.RuneCountInString(userText) <= nameRunes {
		return userText
	}
	return string([]rune(userText)[:nameRunes])
}

// turn is the state of one Send.
type turn struct {
	c         *Conversation
	gen       uint64
	index     int
	userText  string
	sessionID string

	mu sync.Mutex
	ai Message
}

func (t *turn) snapshot() Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ai.clone()
}

// update applies fn to the AI message and mirrors it into the view unless
// the view moved on to another conversation.
func (t *turn) update(fn func(m *Message)) {
	t.mu.Lock()
	t.ai.Role = RoleAI
	fn(&t.ai)
	msg := t.ai.clone()
	t.mu.Unlock()

	c := t.c
	c.mu.Lock()
	if c.gen == t.gen && t.index < len(c.messages) {
		c.messages[t.index] = msg.clone()
	}
	c.mu.Unlock()

	if c.hooks.OnUpdate != nil {
		c.hooks.OnUpdate(msg)
	}
}

func (t *turn) setSession(id string) {
	if id == "" || id == t.sessionID {
		return
	}
	t.sessionID = id
	c := t.c
	c.mu.Lock()
	if c.gen == t.gen {
		c.sessionID = id
	}
	c.mu.Unlock()
}

func (t *turn) open(ctx context.Context) (*chatapi.ChatStream, error) {
	stream, err := t.c.deps.Streamer.SendChat(ctx, t.userText, t.sessionID)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (t *turn) runChat(ctx context.Context) error {
	c := t.c
	stream, err := t.open(ctx)
	if err != nil {
		return t.chatFailure(ctx, err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t.chatFailure(ctx, err)
		}
		if ev.IsAuthInvalid() {
			return c.authInvalid(ctx)
		}
		if ev.IsContent() {
			t.setSession(ev.SessionID)
			if ev.Reply != "" {
				c.observeFragment()
				reply.WriteString(ev.Reply)
				text := reply.String()
				t.update(func(m *Message) { m.Content = text })
			}
			continue
		}
		if ev.Message != "" {
			t.update(func(m *Message) { m.Content = ev.Message })
		}
	}

	return c.persist(ctx, t.sessionID, t.userText, t.snapshot().Content, nil)
}

func (t *turn) chatFailure(ctx context.Context, err error) error {
	if errors.Is(err, chatapi.ErrAuthInvalid) {
		return t.c.authInvalid(ctx)
	}
	t.c.log.Warn("chat stream failed", "error", err)
	t.update(func(m *Message) { m.Content = FallbackReply })
	return err
}

func (t *turn) runLesson(ctx context.Context) error {
	c := t.c
	rec := lesson.NewReconciler(t.sessionID, c.deps.Documents, c.deps.Renderer,
		lesson.WithClock(c.deps.Now),
		lesson.WithLogger(c.log),
		lesson.WithObserver(c.lessonObserver()),
	)
	showCard := func() {
		card := rec.Card()
		t.update(func(m *Message) { m.Card = card })
	}

	var preamble strings.Builder
	dm := demux.New(
		demux.WithMarker(c.deps.Marker),
		demux.WithPreamble(func(s string) {
			preamble.WriteString(s)
			text := preamble.String()
			t.update(func(m *Message) { m.Content = text })
		}),
		demux.WithStart(func() {
			if c.deps.Observer != nil {
				c.deps.Observer.ObserveMarker()
			}
			if rec.Begin() {
				showCard()
			}
		}),
	)

	stream, err := t.open(ctx)
	if err != nil {
		if errors.Is(err, chatapi.ErrAuthInvalid) {
			return c.authInvalid(ctx)
		}
		c.log.Warn("lesson stream failed to open", "error", err)
		t.update(func(m *Message) { m.Content = FallbackReply })
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t.lessonFailure(ctx, rec, showCard, err)
		}
		if ev.IsAuthInvalid() {
			rec.Fail(lesson.ErrorSummary)
			if rec.State() != lesson.StateNotStarted {
				showCard()
			}
			return c.authInvalid(ctx)
		}
		if ev.IsContent() {
			t.setSession(ev.SessionID)
			if ev.Reply != "" {
				c.observeFragment()
				dm.Feed(ev.Reply)
			}
			continue
		}
		if ev.Message != "" {
			t.update(func(m *Message) { m.Content = ev.Message })
		}
	}

	if rec.EnsureStarted(dm.Started()) {
		showCard()
	}
	if err := rec.Finalize(ctx, t.userText, dm.Body()); err != nil {
		c.log.Warn("lesson document not stored", "error", err)
	}
	if rec.State() != lesson.StateNotStarted {
		showCard()
	}

	final := t.snapshot()
	return c.persist(ctx, t.sessionID, t.userText, final.Content, final.Card)
}

// lessonFailure settles a broken lesson stream: an open card becomes an
// error card and whatever arrived is still recorded.
func (t *turn) lessonFailure(ctx context.Context, rec *lesson.Reconciler, showCard func(), err error) error {
	c := t.c
	c.log.Warn("lesson stream interrupted", "error", err)
	rec.Fail(lesson.ErrorSummary)
	if rec.State() != lesson.StateNotStarted {
		showCard()
	}
	final := t.snapshot()
	if final.Content == "" && final.Card == nil {
		t.update(func(m *Message) { m.Content = FallbackReply })
		return err
	}
	if perr := c.persist(context.WithoutCancel(ctx), t.sessionID, t.userText, final.Content, final.Card); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

func (c *Conversation) observeFragment() {
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveFragment()
	}
}

func (c *Conversation) lessonObserver() lesson.Observer {
	if c.deps.Observer == nil {
		return nil
	}
	return c.deps.Observer
}
