// Package documents keeps a local view of the user's stored lesson plans
// and saves edits back to the backend.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
)

var (
	ErrUnknownDocument = errors.New("unknown document")
	ErrEmptyTitle      = errors.New("title must not be empty")
)

// Backend is the subset of the API client the library needs.
type Backend interface {
	ListDocuments(ctx context.Context) ([]chatapi.Document, error)
	UpdateDocument(ctx context.Context, id string, patch chatapi.DocumentPatch) error
	DeleteDocument(ctx context.Context, id string) error
}

// File is a document as listed to the user.
type File struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Library caches the document list. Rename and delete update the cache
// only after (rename) or before (delete, rolled back on failure) the
// backend call.
type Library struct {
	backend Backend
	log     *logger.Logger

	mu      sync.RWMutex
	files   []File
	current string
}

// NewLibrary creates an empty Library; call Refresh to populate it.
func NewLibrary(backend Backend, log *logger.Logger) *Library {
	return &Library{backend: backend, log: logger.OrNop(log)}
}

// Refresh reloads the list from the backend. On failure the cache is
// emptied and the error returned.
func (l *Library) Refresh(ctx context.Context) ([]File, error) {
	docs, err := l.backend.ListDocuments(ctx)
	if err != nil {
		l.mu.Lock()
		l.files = nil
		l.mu.Unlock()
		return nil, fmt.Errorf("list documents: %w", err)
	}
	files := make([]File, 0, len(docs))
	for _, d := range docs {
		files = append(files, File{ID: d.ID.String(), Name: d.Title, UpdatedAt: d.UpdatedAt})
	}
	l.mu.Lock()
	l.files = files
	l.mu.Unlock()
	return l.Files(), nil
}

// Files returns a copy of the cached list.
func (l *Library) Files() []File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]File, len(l.files))
	copy(out, l.files)
	return out
}

// Select marks id as the document being viewed.
func (l *Library) Select(id string) {
	l.mu.Lock()
	l.current = id
	l.mu.Unlock()
}

// Current returns the selected document id, or "".
func (l *Library) Current() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Rename changes the title on the backend, then in the cache.
func (l *Library) Rename(ctx context.Context, id, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrEmptyTitle
	}
	if err := l.backend.UpdateDocument(ctx, id, chatapi.DocumentPatch{Title: &newName}); err != nil {
		return fmt.Errorf("rename document %s: %w", id, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.index(id); i >= 0 {
		l.files[i].Name = newName
	}
	return nil
}

// Delete removes the document from the cache and then from the backend.
// If the backend call fails the previous list and selection are restored.
func (l *Library) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	i := l.index(id)
	if i < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	snapshot := make([]File, len(l.files))
	copy(snapshot, l.files)
	wasCurrent := l.current == id
	l.files = append(l.files[:i:i], l.files[i+1:]...)
	if wasCurrent {
		l.current = ""
	}
	l.mu.Unlock()

	if err := l.backend.DeleteDocument(ctx, id); err != nil {
		l.mu.Lock()
		l.files = snapshot
		if wasCurrent {
			l.current = id
		}
		l.mu.Unlock()
		l.log.Warn("document delete rolled back", "document", id, "error", err)
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (l *Library) index(id string) int {
	for i, f := range l.files {
		if f.ID == id {
			return i
		}
	}
	return -1
}
