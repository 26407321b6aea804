package archive

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/internal/observability"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/writequeue"
)

// Operation names used in errors, spans and metrics.
const (
	OpCreate = "create"
	OpAppend = "append"
	OpDelete = "delete"
	OpRename = "rename"
	OpList   = "list"
	OpGet    = "get"
	OpClear  = "clear"
)

// Observer is notified after every Service operation.
type Observer interface {
	ObserveArchiveOp(op string, err error)
}

// DeleteInfo describes the outcome of DeleteConversation.
type DeleteInfo struct {
	Deleted        bool   `json:"deleted"`
	SessionID      string `json:"sessionId"`
	RemainingCount int    `json:"remainingCount"`
}

// Service implements the conversation archive on top of a Store. Every
// mutation is a single load-mutate-save step executed on the write queue;
// reads go to the store directly.
type Service struct {
	store    *Store
	queue    *writequeue.Queue
	now      func() time.Time
	log      *logger.Logger
	observer Observer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *logger.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithServiceClock overrides time.Now for message and record timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observer = o }
}

// NewService creates a Service. A nil queue gets a private one.
func NewService(store *Store, queue *writequeue.Queue, opts ...ServiceOption) *Service {
	s := &Service{store: store, queue: queue, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log)
	if s.queue == nil {
		s.queue = writequeue.New(writequeue.WithLogger(s.log))
	}
	return s
}

// CreateConversation stores a new conversation whose first turn is the
// given exchange and places it at the front of the ordering index. If a
// record for sessionID already exists it is returned unchanged.
func (s *Service) CreateConversation(ctx context.Context, userID, sessionID, name, userText, aiText string, card *DocumentCard) (*ConversationRecord, error) {
	if err := validateTurn(OpCreate, userID, sessionID, userText, aiText, card); err != nil {
		return nil, s.done(OpCreate, err)
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultConversationName
	}

	return s.mutate(ctx, OpCreate, userID, sessionID, func(img *Image) (*ConversationRecord, bool, error) {
		if existing, ok := img.Records[sessionID]; ok {
			s.log.Debug("conversation already exists", "session", sessionID)
			return existing.Clone(), false, nil
		}
		now := s.now()
		rec := &ConversationRecord{
			ID:          sessionID,
			DisplayName: name,
			Messages:    []MessageEntry{s.entry(userText, aiText, card, now)},
			CreatedAt:   now,
		}
		img.Records[sessionID] = rec
		img.remove(sessionID)
		img.Order = append([]string{sessionID}, img.Order...)
		return rec.Clone(), true, nil
	})
}

// AppendTurn adds an exchange to an existing conversation and promotes it
// to the front of the ordering index. Returns ErrNotFound when absent.
func (s *Service) AppendTurn(ctx context.Context, userID, sessionID, userText, aiText string, card *DocumentCard) (*ConversationRecord, error) {
	if err := validateTurn(OpAppend, userID, sessionID, userText, aiText, card); err != nil {
		return nil, s.done(OpAppend, err)
	}

	return s.mutate(ctx, OpAppend, userID, sessionID, func(img *Image) (*ConversationRecord, bool, error) {
		rec, ok := img.Records[sessionID]
		if !ok {
			return nil, false, &Error{Op: OpAppend, Kind: ErrNotFound, SessionID: sessionID}
		}
		rec.Messages = append(rec.Messages, s.entry(userText, aiText, card, s.now()))
		img.promote(sessionID)
		return rec.Clone(), true, nil
	})
}

// RenameConversation changes a conversation's display name.
func (s *Service) RenameConversation(ctx context.Context, userID, sessionID, newName string) (*ConversationRecord, error) {
	if err := validateIDs(OpRename, userID, sessionID); err != nil {
		return nil, s.done(OpRename, err)
	}
	if strings.TrimSpace(newName) == "" {
		return nil, s.done(OpRename, validationError(OpRename, "new name cannot be empty"))
	}

	return s.mutate(ctx, OpRename, userID, sessionID, func(img *Image) (*ConversationRecord, bool, error) {
		rec, ok := img.Records[sessionID]
		if !ok {
			return nil, false, &Error{Op: OpRename, Kind: ErrNotFound, SessionID: sessionID}
		}
		rec.DisplayName = newName
		return rec.Clone(), true, nil
	})
}

// DeleteConversation removes a conversation from the map and the index.
func (s *Service) DeleteConversation(ctx context.Context, userID, sessionID string) (*DeleteInfo, error) {
	if err := validateIDs(OpDelete, userID, sessionID); err != nil {
		return nil, s.done(OpDelete, err)
	}

	var info *DeleteInfo
	_, err := s.mutate(ctx, OpDelete, userID, sessionID, func(img *Image) (*ConversationRecord, bool, error) {
		if _, ok := img.Records[sessionID]; !ok {
			return nil, false, &Error{Op: OpDelete, Kind: ErrNotFound, SessionID: sessionID}
		}
		delete(img.Records, sessionID)
		img.remove(sessionID)
		info = &DeleteInfo{Deleted: true, SessionID: sessionID, RemainingCount: len(img.Order)}
		return nil, true, nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListConversations returns records in ordering-index order. Ids whose
// record is missing are skipped.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*ConversationRecord, error) {
	ctx, span := observability.StartSpan(ctx, "archive.list")
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, s.done(OpList, validationError(OpList, "user id cannot be empty"))
	}
	img, err := s.store.Peek(ctx, userID)
	if err != nil {
		span.SetError(err)
		return nil, s.done(OpList, wrap(OpList, "", err))
	}

	out := make([]*ConversationRecord, 0, len(img.Order))
	for _, id := range img.Order {
		if rec, ok := img.Records[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, s.done(OpList, nil)
}

// GetConversation looks up one conversation. Absence is reported through
// the boolean, not an error.
func (s *Service) GetConversation(ctx context.Context, userID, sessionID string) (*ConversationRecord, bool, error) {
	if err := validateIDs(OpGet, userID, sessionID); err != nil {
		return nil, false, s.done(OpGet, err)
	}
	img, err := s.store.Peek(ctx, userID)
	if err != nil {
		return nil, false, s.done(OpGet, wrap(OpGet, sessionID, err))
	}
	rec, ok := img.Records[sessionID]
	if !ok {
		return nil, false, s.done(OpGet, nil)
	}
	return rec.Clone(), true, s.done(OpGet, nil)
}

// ClearAll removes every conversation stored for userID.
func (s *Service) ClearAll(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return s.done(OpClear, validationError(OpClear, "user id cannot be empty"))
	}
	_, err := writequeue.Do(ctx, s.queue, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Clear(ctx, userID)
	})
	return s.done(OpClear, wrap(OpClear, "", err))
}

// QueueStatus reports the write queue state.
func (s *Service) QueueStatus() writequeue.Status {
	return s.queue.Status()
}

type mutation func(img *Image) (rec *ConversationRecord, changed bool, err error)

func (s *Service) mutate(ctx context.Context, op, userID, sessionID string, fn mutation) (*ConversationRecord, error) {
	ctx, span := observability.StartSpan(ctx, "archive."+op, attribute.String("session_id", sessionID))
	defer span.End()

	rec, err := writequeue.Do(ctx, s.queue, func(ctx context.Context) (*ConversationRecord, error) {
		img, err := s.store.Load(ctx, userID)
		if err != nil {
			return nil, err
		}
		rec, changed, err := fn(img)
		if err != nil {
			return nil, err
		}
		if changed {
			if err := s.store.Save(ctx, img, userID); err != nil {
				return nil, err
			}
		}
		return rec, nil
	})
	if err != nil {
		err = wrap(op, sessionID, err)
		span.SetError(err)
		s.log.Warn("archive operation failed", "op", op, "session", sessionID, "error", err)
		return nil, s.done(op, err)
	}
	return rec, s.done(op, nil)
}

func (s *Service) done(op string, err error) error {
	if s.observer != nil {
		s.observer.ObserveArchiveOp(op, err)
	}
	return err
}

func (s *Service) entry(userText, aiText string, card *DocumentCard, now time.Time) MessageEntry {
	return MessageEntry{UserText: userText, AIText: aiText, Card: card.Clone(), Timestamp: now}
}

func validateIDs(op, userID, sessionID string) error {
	if strings.TrimSpace(userID) == "" {
		return validationError(op, "user id cannot be empty")
	}
	if strings.TrimSpace(sessionID) == "" {
		return validationError(op, "session id cannot be empty")
	}
	return nil
}

// validateTurn requires user text, and AI text unless a card carries the
// turn's content.
func validateTurn(op, userID, sessionID, userText, aiText string, card *DocumentCard) error {
	if err := validateIDs(op, userID, sessionID); err != nil {
		return err
	}
	if userText == "" {
		return validationError(op, "user text cannot be empty")
	}
	if aiText == "" && card == nil {
		return validationError(op, "ai text cannot be empty without a card")
	}
	if card != nil && !card.Valid() {
		return validationError(op, "card permanent id must be set exactly when completed")
	}
	return nil
}
