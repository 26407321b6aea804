// Package archive persists chat conversations per user on a key-value store.
//
// Each user owns one image under the key chat_data_v2_<userID>: a map of
// conversation records keyed by server-issued session id, plus an ordering
// index listing the ids most recently active first.
package archive

import (
	"errors"
	"time"
)

// CardKind is the discriminator carried by every document card.
const CardKind = "lesson_plan_card"

// ImageVersion is written to Meta.Version of every saved image.
const ImageVersion = "2.0"

// DefaultConversationName is used when a conversation is created without a name.
const DefaultConversationName = "New chat"

// CardStatus is the lifecycle state of a DocumentCard.
type CardStatus string

const (
	CardLoading   CardStatus = "loading"
	CardCompleted CardStatus = "completed"
	CardError     CardStatus = "error"
)

// ErrCardTransition is returned when a card transition would break the
// permanent-id invariant.
var ErrCardTransition = errors.New("invalid card transition")

// DocumentCard describes a generated document's lifecycle as attached to a
// chat turn. PermanentID is non-nil exactly when Status is CardCompleted.
type DocumentCard struct {
	Kind        string     `json:"type"`
	Status      CardStatus `json:"status"`
	TemporaryID string     `json:"temporaryId"`
	PermanentID *string    `json:"permanentId"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
}

// NewLoadingCard returns a placeholder card in the loading state.
func NewLoadingCard(temporaryID, title, summary string) *DocumentCard {
	return &DocumentCard{
		Kind:        CardKind,
		Status:      CardLoading,
		TemporaryID: temporaryID,
		Title:       title,
		Summary:     summary,
	}
}

// Complete moves a loading card to completed, recording the server id.
// Empty title or summary leave the current values in place.
func (c *DocumentCard) Complete(permanentID, title, summary string) error {
	if c.Status != CardLoading || permanentID == "" {
		return ErrCardTransition
	}
	id := permanentID
	c.PermanentID = &id
	c.Status = CardCompleted
	if title != "" {
		c.Title = title
	}
	if summary != "" {
		c.Summary = summary
	}
	return nil
}

// Fail moves a loading card to error. A card that already completed keeps
// its state and Fail returns ErrCardTransition.
func (c *DocumentCard) Fail(summary string) error {
	switch c.Status {
	case CardError:
		return nil
	case CardCompleted:
		return ErrCardTransition
	}
	c.Status = CardError
	c.PermanentID = nil
	if summary != "" {
		c.Summary = summary
	}
	return nil
}

// Valid reports whether the permanent-id invariant holds.
func (c *DocumentCard) Valid() bool {
	return (c.PermanentID != nil) == (c.Status == CardCompleted)
}

// Clone returns a deep copy of the card.
func (c *DocumentCard) Clone() *DocumentCard {
	if c == nil {
		return nil
	}
	out := *c
	if c.PermanentID != nil {
		id := *c.PermanentID
		out.PermanentID = &id
	}
	return &out
}

// MessageEntry is one user/assistant exchange.
type MessageEntry struct {
	UserText  string        `json:"user"`
	AIText    string        `json:"ai"`
	Card      *DocumentCard `json:"card"`
	Timestamp time.Time     `json:"timestamp"`
}

// ConversationRecord is a stored conversation.
type ConversationRecord struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"name"`
	Messages    []MessageEntry `json:"messages"`
	CreatedAt   time.Time      `json:"createTime"`
}

// Clone returns a deep copy so callers can never alias stored state.
func (r *ConversationRecord) Clone() *ConversationRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]MessageEntry, len(r.Messages))
	for i, m := range r.Messages {
		m.Card = m.Card.Clone()
		out.Messages[i] = m
	}
	return &out
}

// Meta is bookkeeping stored alongside the records.
type Meta struct {
	TotalCount  int       `json:"totalCount"`
	LastUpdated time.Time `json:"lastUpdated"`
	Version     string    `json:"version"`
}

// Image is the full per-user stored value.
type Image struct {
	Records map[string]*ConversationRecord `json:"chats"`
	Order   []string                       `json:"order"`
	Meta    *Meta                          `json:"meta"`
}

// NewImage returns an empty image stamped with now.
func NewImage(now time.Time) *Image {
	return &Image{
		Records: make(map[string]*ConversationRecord),
		Order:   []string{},
		Meta:    &Meta{LastUpdated: now, Version: ImageVersion},
	}
}

// wellFormed is the structural shape check applied to loaded images.
func (img *Image) wellFormed() bool {
	return img != nil && img.Records != nil && img.Order != nil && img.Meta != nil
}

// promote moves id to the front of the ordering index, inserting it if absent.
func (img *Image) promote(id string) {
	for i, v := range img.Order {
		if v != id {
			continue
		}
		if i == 0 {
			return
		}
		copy(img.Order[1:i+1], img.Order[:i])
		img.Order[0] = id
		return
	}
	img.Order = append([]string{id}, img.Order...)
}

// remove drops id from the ordering index.
func (img *Image) remove(id string) {
	out := img.Order[:0]
	for _, v := range img.Order {
		if v != id {
			out = append(out, v)
		}
	}
	img.Order = out
}
