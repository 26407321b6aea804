package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/writequeue"
)

const user = "u1"

func newTestService(t *testing.T) (*Service, kv.Store) {
	t.Helper()
	backend := kv.NewMemoryStore()
	clock := func() time.Time { return fixedNow }
	return NewService(NewStore(backend, WithClock(clock)), writequeue.New(), WithServiceClock(clock)), backend
}

func orderOf(t *testing.T, s *Service) []string {
	t.Helper()
	recs, err := s.ListConversations(context.Background(), user)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestCreateConversation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	rec, err := s.CreateConversation(ctx, user, "A", "", "hello", "hi there", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", rec.ID)
	assert.Equal(t, DefaultConversationName, rec.DisplayName)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "hello", rec.Messages[0].UserText)
	assert.Equal(t, "hi there", rec.Messages[0].AIText)

	_, err = s.CreateConversation(ctx, user, "B", "second", "q", "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, orderOf(t, s))
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	first, err := s.CreateConversation(ctx, user, "A", "first", "u", "a", nil)
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, user, "A", "other", "different", "reply", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"A"}, orderOf(t, s))

	got, ok, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got.DisplayName)
	assert.Len(t, got.Messages, 1)
}

func TestAppendTurnPromotesRecency(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.CreateConversation(ctx, user, "A", "", "a0", "r", nil)
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, user, "B", "", "b0", "r", nil)
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "A"} {
		_, err := s.AppendTurn(ctx, user, id, "more", "reply", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"A", "B"}, orderOf(t, s))

	rec, ok, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Messages, 3)
}

func TestAppendTurnMissingConversation(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.AppendTurn(context.Background(), user, "nope", "u", "a", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, OpAppend, ae.Op)
	assert.Equal(t, "nope", ae.SessionID)
}

func TestConcurrentAppendsKeepEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	_, err := s.CreateConversation(ctx, user, "A", "", "start", "ok", nil)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTurn(ctx, user, "A", fmt.Sprintf("msg%d", i), "r", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, ok, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Messages, n+1, "no append may be lost")
}

func TestAppendOrderMatchesSubmission(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	q := writequeue.New()
	s := NewService(NewStore(backend), q)
	_, err := s.CreateConversation(ctx, user, "A", "", "start", "ok", nil)
	require.NoError(t, err)

	// Hold the queue so both appends are waiting before either runs.
	gate := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(ctx, func(context.Context) (any, error) {
			close(entered)
			<-gate
			return nil, nil
		})
	}()
	<-entered

	var wg sync.WaitGroup
	for i, text := range []string{"msg1", "msg2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTurn(ctx, user, "A", text, "r", nil)
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool { return s.QueueStatus().Pending == i+1 }, timeout, tick)
	}
	close(gate)
	wg.Wait()

	rec, _, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 3)
	assert.Equal(t, "msg1", rec.Messages[1].UserText)
	assert.Equal(t, "msg2", rec.Messages[2].UserText)
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	for _, id := range []string{"A", "B", "C"} {
		_, err := s.CreateConversation(ctx, user, id, "", "u", "a", nil)
		require.NoError(t, err)
	}

	info, err := s.DeleteConversation(ctx, user, "B")
	require.NoError(t, err)
	assert.Equal(t, &DeleteInfo{Deleted: true, SessionID: "B", RemainingCount: 2}, info)
	assert.Equal(t, []string{"C", "A"}, orderOf(t, s))

	_, ok, err := s.GetConversation(ctx, user, "B")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteMissingLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestService(t)
	for _, id := range []string{"A", "B"} {
		_, err := s.CreateConversation(ctx, user, id, "", "u", "a", nil)
		require.NoError(t, err)
	}
	before, err := backend.Get(ctx, "chat_data_v2_u1")
	require.NoError(t, err)

	_, err = s.DeleteConversation(ctx, user, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	after, err := backend.Get(ctx, "chat_data_v2_u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"B", "A"}, orderOf(t, s))
}

func TestRenameConversation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	_, err := s.CreateConversation(ctx, user, "A", "old", "u", "a", nil)
	require.NoError(t, err)

	rec, err := s.RenameConversation(ctx, user, "A", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.DisplayName)

	_, err = s.RenameConversation(ctx, user, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.RenameConversation(ctx, user, "A", " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListDropsDanglingIDs(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	store := NewStore(backend)
	s := NewService(store, nil)

	img := NewImage(fixedNow)
	img.Records["A"] = &ConversationRecord{ID: "A", DisplayName: "a"}
	img.Order = []string{"ghost", "A"}
	require.NoError(t, store.Save(ctx, img, user))

	assert.Equal(t, []string{"A"}, orderOf(t, s))
}

// pausingStore holds the first Get after it read the backend until released.
type pausingStore struct {
	kv.Store
	paused  atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (p *pausingStore) Get(ctx context.Context, key string) (string, error) {
	v, err := p.Store.Get(ctx, key)
	if p.paused.CompareAndSwap(false, true) {
		close(p.reached)
		<-p.release
	}
	return v, err
}

func TestReadsDoNotOverwriteQueuedCreate(t *testing.T) {
	ctx := context.Background()
	backend := &pausingStore{
		Store:   kv.NewMemoryStore(),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewService(NewStore(backend), nil)

	listed := make(chan error, 1)
	go func() {
		_, err := s.ListConversations(ctx, user)
		listed <- err
	}()
	<-backend.reached

	_, err := s.CreateConversation(ctx, user, "A", "", "u", "a", nil)
	require.NoError(t, err)

	close(backend.release)
	require.NoError(t, <-listed)

	_, found, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	assert.True(t, found, "record saved through the queue must survive a concurrent read")
}

func TestNullRecordsAreAbsent(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestService(t)
	raw := `{"chats":{"A":null},"order":["A"],"meta":{"version":"2.0"}}`
	seed := func() { require.NoError(t, backend.Set(ctx, "chat_data_v2_"+user, raw)) }

	seed()
	recs, err := s.ListConversations(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, found, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.AppendTurn(ctx, user, "A", "u", "a", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	seed()
	rec, err := s.CreateConversation(ctx, user, "A", "", "u", "a", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.ID)
	assert.Equal(t, []string{"A"}, orderOf(t, s))
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestService(t)
	loading := NewLoadingCard("temp_x", "t", "s")

	tests := []struct {
		name string
		call func() error
	}{
		{"create empty user", func() error {
			_, err := s.CreateConversation(ctx, "", "A", "", "u", "a", nil)
			return err
		}},
		{"create empty session", func() error {
			_, err := s.CreateConversation(ctx, user, "", "", "u", "a", nil)
			return err
		}},
		{"create empty user text", func() error {
			_, err := s.CreateConversation(ctx, user, "A", "", "", "a", nil)
			return err
		}},
		{"create empty ai text without card", func() error {
			_, err := s.CreateConversation(ctx, user, "A", "", "u", "", nil)
			return err
		}},
		{"append empty session", func() error {
			_, err := s.AppendTurn(ctx, user, "", "u", "a", nil)
			return err
		}},
		{"create inconsistent card", func() error {
			bad := &DocumentCard{Kind: CardKind, Status: CardCompleted}
			_, err := s.CreateConversation(ctx, user, "A", "", "u", "", bad)
			return err
		}},
		{"delete empty user", func() error {
			_, err := s.DeleteConversation(ctx, "", "A")
			return err
		}},
		{"get empty session", func() error {
			_, _, err := s.GetConversation(ctx, user, "")
			return err
		}},
		{"list empty user", func() error {
			_, err := s.ListConversations(ctx, "")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrValidation)
		})
	}

	keys, err := backend.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys, "validation failures must not touch storage")

	// A card alone is enough content for a turn.
	_, err = s.CreateConversation(ctx, user, "A", "", "u", "", loading)
	assert.NoError(t, err)
}

func TestStoredCardIsDetached(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	card := NewLoadingCard("temp_1", "t", "s")

	_, err := s.CreateConversation(ctx, user, "A", "", "u", "", card)
	require.NoError(t, err)
	require.NoError(t, card.Complete("doc-1", "", ""))

	rec, _, err := s.GetConversation(ctx, user, "A")
	require.NoError(t, err)
	assert.Equal(t, CardLoading, rec.Messages[0].Card.Status)
	assert.Nil(t, rec.Messages[0].Card.PermanentID)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	_, err := s.CreateConversation(ctx, user, "A", "", "u", "a", nil)
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx, user))
	assert.Empty(t, orderOf(t, s))
	assert.ErrorIs(t, s.ClearAll(ctx, ""), ErrValidation)
}

type failingStore struct{ kv.Store }

func (failingStore) Set(context.Context, string, string) error { return errors.New("disk full") }

func TestStorageFailureIsClassified(t *testing.T) {
	s := NewService(NewStore(failingStore{kv.NewMemoryStore()}), nil)
	_, err := s.CreateConversation(context.Background(), user, "A", "", "u", "a", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "disk full")
}

type opRecorder struct {
	mu  sync.Mutex
	ops map[string]int
}

func (r *opRecorder) ObserveArchiveOp(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := op
	if err != nil {
		key += ":error"
	}
	r.ops[key]++
}

func TestObserver(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{ops: map[string]int{}}
	s := NewService(NewStore(kv.NewMemoryStore()), nil, WithObserver(rec))

	_, _ = s.CreateConversation(ctx, user, "A", "", "u", "a", nil)
	_, _ = s.AppendTurn(ctx, user, "B", "u", "a", nil)
	_, _, _ = s.GetConversation(ctx, user, "A")

	assert.Equal(t, map[string]int{"create": 1, "append:error": 1, "get": 1}, rec.ops)
}
