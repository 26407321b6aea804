package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
)

// KeyPrefix is prepended to the user id to form the storage key.
const KeyPrefix = "chat_data_v2_"

// KeyFor derives the storage key for userID.
func KeyFor(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id cannot be empty", ErrInvalidArgument)
	}
	return KeyPrefix + userID, nil
}

// Store loads and saves whole per-user images. It does no serialization of
// its own; Service routes every mutation through a write queue.
type Store struct {
	kv  kv.Store
	now func() time.Time
	log *logger.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now. Tests use it for deterministic timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the logger used when a stored image is discarded.
func WithStoreLogger(l *logger.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore creates a Store over the given key-value substrate.
func NewStore(backend kv.Store, opts ...StoreOption) *Store {
	s := &Store{kv: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log)
	return s
}

// Load returns the image for userID. A missing, undecodable or malformed
// value is replaced by a fresh empty image, which is written back. Load
// must only run inside a queued mutation.
func (s *Store) Load(ctx context.Context, userID string) (*Image, error) {
	img, key, fresh, err := s.read(ctx, userID)
	if err != nil || !fresh {
		return img, err
	}
	if err := kv.SetJSON(ctx, s.kv, key, img); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", key, err)
	}
	return img, nil
}

// Peek is Load without the write-back; it is safe outside the write queue.
func (s *Store) Peek(ctx context.Context, userID string) (*Image, error) {
	img, _, _, err := s.read(ctx, userID)
	return img, err
}

// read decodes the stored image. fresh reports that the stored value was
// unusable and img is a new empty image. Null records are dropped.
func (s *Store) read(ctx context.Context, userID string) (img *Image, key string, fresh bool, err error) {
	key, err = KeyFor(userID)
	if err != nil {
		return nil, "", false, err
	}

	raw, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		var stored Image
		if jerr := json.Unmarshal([]byte(raw), &stored); jerr == nil && stored.wellFormed() {
			for id, rec := range stored.Records {
				if rec == nil {
					delete(stored.Records, id)
				}
			}
			return &stored, key, false, nil
		}
		s.log.Warn("discarding malformed chat image", "key", key)
	case errors.Is(err, kv.ErrNotFound):
	default:
		return nil, key, false, fmt.Errorf("load %s: %w", key, err)
	}
	return NewImage(s.now()), key, true, nil
}

// Save stamps the meta block and writes img under userID's key.
func (s *Store) Save(ctx context.Context, img *Image, userID string) error {
	key, err := KeyFor(userID)
	if err != nil {
		return err
	}
	if img.Meta == nil {
		img.Meta = &Meta{Version: ImageVersion}
	}
	img.Meta.LastUpdated = s.now()
	img.Meta.TotalCount = len(img.Order)
	if img.Meta.Version == "" {
		img.Meta.Version = ImageVersion
	}
	if err := kv.SetJSON(ctx, s.kv, key, img); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Clear removes userID's image entirely.
func (s *Store) Clear(ctx context.Context, userID string) error {
	key, err := KeyFor(userID)
	if err != nil {
		return err
	}
	return s.kv.Delete(ctx, key)
}
