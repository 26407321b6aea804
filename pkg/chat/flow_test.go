package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/auth"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/kv"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/render"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/writequeue"
)

// TestLessonFlowOverHTTP drives a lesson generation through the real
// client, session and archive against a fake backend.
func TestLessonFlowOverHTTP(t *testing.T) {
	var documentsCreated atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(chatapi.PathChat, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var req chatapi.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, ev := range []chatapi.Event{
			{Code: 0, SessionID: "srv-1", Reply: "Here you go."},
			{Code: 0, Reply: "\n\n\n"},
			{Code: 0, Reply: "\n## Goals\n"},
			{Code: 0, Reply: "Students compare fractions."},
		} {
			data, _ := json.Marshal(ev)
			_, _ = w.Write(append(data, '\n'))
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc(chatapi.PathDocuments, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body["content"], "<h2>Goals</h2>")
		documentsCreated.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 55, "title": "` + body["title"] + `"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	session, err := auth.NewSession(ctx, store, nil)
	require.NoError(t, err)
	require.NoError(t, session.SignIn(ctx, "tok-1", &auth.User{ID: "42", Username: "teacher"}))

	client := chatapi.New(chatapi.Config{BaseURL: srv.URL}, chatapi.WithTokenSource(session))
	svc := archive.NewService(archive.NewStore(store), writequeue.New())

	conv := New(Deps{
		Streamer:  client,
		Archive:   svc,
		Identity:  session,
		Documents: client,
		Renderer:  render.New(),
	}, Hooks{})

	msg, err := conv.Send(ctx, "Fractions for grade four", ModeLesson)
	require.NoError(t, err)
	assert.Equal(t, "Here you go.\n\n\n", msg.Content)
	require.NotNil(t, msg.Card)
	assert.Equal(t, archive.CardCompleted, msg.Card.Status)
	assert.Equal(t, "55", *msg.Card.PermanentID)
	assert.Equal(t, int32(1), documentsCreated.Load())

	rec, found, err := svc.GetConversation(ctx, "42", "srv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Fractions for grade ", rec.DisplayName)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "55", *rec.Messages[0].Card.PermanentID)
}

func TestHTTPUnauthorizedSignsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":401,"message":"` + chatapi.MsgTokenInvalid + `"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	session, err := auth.NewSession(ctx, store, nil)
	require.NoError(t, err)
	require.NoError(t, session.SignIn(ctx, "stale", &auth.User{ID: "42"}))

	client := chatapi.New(chatapi.Config{BaseURL: srv.URL}, chatapi.WithTokenSource(session))
	var signedOut bool
	conv := New(Deps{
		Streamer: client,
		Archive:  archive.NewService(archive.NewStore(store), nil),
		Identity: session,
		Renderer: render.New(),
	}, Hooks{OnAuthInvalid: func() { signedOut = true }})

	_, err = conv.Send(ctx, "hello", ModeChat)
	require.ErrorIs(t, err, chatapi.ErrAuthInvalid)
	assert.True(t, signedOut)
	assert.False(t, session.Authenticated())

	has, err := kv.Has(ctx, store, auth.TokenKey)
	require.NoError(t, err)
	assert.False(t, has)
}
