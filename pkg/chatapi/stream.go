package chatapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatStream is a pull-based sequence of events from one chat call. It is
// finite and cannot be restarted. Close must be called when done.
type ChatStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Recv returns the next event. It returns io.EOF once the stream is
// exhausted. Lines split across network reads are reassembled before
// decoding; lines that are not JSON objects are skipped.
func (s *ChatStream) Recv() (Event, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			if ev, ok := parseLine(line); ok {
				return ev, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("read chat stream: %w", err)
		}
	}
}

// Close releases the underlying response body.
func (s *ChatStream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// NewChatStream wraps r as a ChatStream. Used for replaying captured streams.
func NewChatStream(r io.ReadCloser) *ChatStream {
	return &ChatStream{body: r, reader: bufio.NewReader(r)}
}

// SendChat opens a streaming chat call. sessionID is omitted for a new
// conversation; the backend assigns one and reports it in the stream.
func (c *Client) SendChat(ctx context.Context, message, sessionID string) (*ChatStream, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: "chat", Err: err}
		}
	}

	payload, err := json.Marshal(ChatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	resp, err := c.openStream(ctx, payload, c.token())
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.refresher != nil {
		drain(resp)
		tok, rerr := c.refresher.Refresh(ctx)
		if rerr != nil {
			c.log.Warn("token refresh failed", "op", "chat", "error", rerr)
			return nil, ErrAuthInvalid
		}
		if resp, err = c.openStream(ctx, payload, tok); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer drain(resp)
		msg := readMessage(resp)
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthInvalid
		}
		return nil, &TransportError{Op: "chat", StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if resp.Body == nil {
		return nil, &TransportError{Op: "chat", Err: errors.New("empty response body")}
	}

	c.log.Debug("chat stream opened", "new_session", sessionID == "")
	return NewChatStream(resp.Body), nil
}

func (c *Client) openStream(ctx context.Context, payload []byte, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+PathChat, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	return resp, nil
}

func readMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var m apiMessage
	if json.Unmarshal(data, &m) == nil && m.Message != "" {
		return m.Message
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}
}
