package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestKeyFor(t *testing.T) {
	key, err := KeyFor("42")
	require.NoError(t, err)
	assert.Equal(t, "chat_data_v2_42", key)

	for _, bad := range []string{"", "   "} {
		_, err := KeyFor(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestStoreLoadInitializesMissingImage(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	s := NewStore(backend, WithClock(func() time.Time { return fixedNow }))

	img, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, img.Records)
	assert.Empty(t, img.Order)
	assert.Equal(t, ImageVersion, img.Meta.Version)
	assert.True(t, img.Meta.LastUpdated.Equal(fixedNow))

	ok, err := kv.Has(ctx, backend, "chat_data_v2_u1")
	require.NoError(t, err)
	assert.True(t, ok, "fresh image should be written back")
}

func TestStoreLoadResetsMalformedImage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{{{"},
		{"missing chats", `{"order":[],"meta":{"version":"2.0"}}`},
		{"missing order", `{"chats":{},"meta":{"version":"2.0"}}`},
		{"missing meta", `{"chats":{},"order":[]}`},
		{"null order", `{"chats":{},"order":null,"meta":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := kv.NewMemoryStore()
			require.NoError(t, backend.Set(ctx, "chat_data_v2_u1", tt.raw))

			img, err := NewStore(backend).Load(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, img.Records)
			assert.NotNil(t, img.Order)
			require.NotNil(t, img.Meta)
		})
	}
}

func TestStoreSaveUpdatesMeta(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	s := NewStore(backend, WithClock(func() time.Time { return fixedNow }))

	img := NewImage(fixedNow.Add(-time.Hour))
	img.Records["a"] = &ConversationRecord{ID: "a"}
	img.Records["b"] = &ConversationRecord{ID: "b"}
	img.Order = []string{"b", "a"}
	require.NoError(t, s.Save(ctx, img, "u1"))

	raw, err := backend.Get(ctx, "chat_data_v2_u1")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Contains(t, decoded, "chats")
	assert.Contains(t, decoded, "order")
	meta := decoded["meta"].(map[string]any)
	assert.EqualValues(t, 2, meta["totalCount"])
	assert.Equal(t, "2.0", meta["version"])

	loaded, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, loaded.Order)
	assert.True(t, loaded.Meta.LastUpdated.Equal(fixedNow))
}

func TestStoreRejectsEmptyUser(t *testing.T) {
	s := NewStore(kv.NewMemoryStore())
	_, err := s.Load(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, s.Save(context.Background(), NewImage(fixedNow), ""), ErrInvalidArgument)
}

func TestStorePeekDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	s := NewStore(backend)

	img, err := s.Peek(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, img.Records)
	assert.NotNil(t, img.Order)

	ok, err := kv.Has(ctx, backend, "chat_data_v2_u1")
	require.NoError(t, err)
	assert.False(t, ok, "peek must leave a missing image missing")

	require.NoError(t, backend.Set(ctx, "chat_data_v2_u1", "{{{"))
	_, err = s.Peek(ctx, "u1")
	require.NoError(t, err)
	raw, err := backend.Get(ctx, "chat_data_v2_u1")
	require.NoError(t, err)
	assert.Equal(t, "{{{", raw, "peek must not repair a malformed image")
}

func TestStoreDropsNullRecords(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	raw := `{"chats":{"A":null,"B":{"id":"B","name":"b","messages":[]}},"order":["A","B"],"meta":{"version":"2.0"}}`
	require.NoError(t, backend.Set(ctx, "chat_data_v2_u1", raw))

	for name, load := range map[string]func(context.Context, string) (*Image, error){
		"load": NewStore(backend).Load,
		"peek": NewStore(backend).Peek,
	} {
		t.Run(name, func(t *testing.T) {
			img, err := load(ctx, "u1")
			require.NoError(t, err)
			assert.NotContains(t, img.Records, "A")
			assert.Contains(t, img.Records, "B")
		})
	}
}
