package auth

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// RefreshFunc obtains a new access token from the backend.
type RefreshFunc func(ctx context.Context) (string, error)

// Refresher runs at most one token refresh at a time. Callers that arrive
// while a refresh is in flight wait for its outcome instead of starting
// another.
type Refresher struct {
	session *Session
	fn      RefreshFunc
	group   singleflight.Group
}

// NewRefresher creates a Refresher that stores new tokens on session.
func NewRefresher(session *Session, fn RefreshFunc) *Refresher {
	return &Refresher{session: session, fn: fn}
}

// Refresh returns a fresh token. A caller whose ctx ends stops waiting but
// the shared refresh keeps running for the others.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	ch := r.group.DoChan("refresh", func() (any, error) {
		rctx := context.WithoutCancel(ctx)
		tok, err := r.fn(rctx)
		if err != nil {
			return "", err
		}
		if err := r.session.SetToken(rctx, tok); err != nil {
			return "", err
		}
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
