package chatapi

import (
	"context"
	"errors"
	"net/http"
)

// UserInfo is the profile returned on login.
type UserInfo struct {
	ID       FlexID `json:"id"`
	Username string `json:"username"`
}

// LoginRequest is the body of a login call.
type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// LoginResponse carries the access token and user profile.
type LoginResponse struct {
	AccessToken string    `json:"accessToken"`
	UserInfo    *UserInfo `json:"userInfo"`
	Message     string    `json:"message,omitempty"`
}

// RegisterRequest is the body of a register call.
type RegisterRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ConfirmPwd string `json:"confirmPwd"`
}

// RegisterResponse is the backend's reply to a register call.
type RegisterResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Login authenticates with username and password.
func (c *Client) Login(ctx context.Context, in LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	_, err := c.execute(ctx, call{
		op: "login", method: http.MethodPost, path: PathLogin,
		body: in, result: &out,
	})
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		msg := out.Message
		if msg == "" {
			msg = "login failed, check username and password"
		}
		return nil, &TransportError{Op: "login", Err: errors.New(msg)}
	}
	return &out, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, in RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	_, err := c.execute(ctx, call{
		op: "register", method: http.MethodPost, path: PathRegister,
		body: in, result: &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// RefreshToken exchanges the refresh cookie for a new access token. It is
// never retried; a 401 here means the session is over.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	var out refreshResponse
	_, err := c.execute(ctx, call{
		op: "refresh", method: http.MethodPost, path: PathRefresh,
		result: &out,
	})
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode == http.StatusUnauthorized {
			return "", ErrAuthInvalid
		}
		return "", err
	}
	if out.AccessToken == "" {
		return "", ErrAuthInvalid
	}
	return out.AccessToken, nil
}

// Logout invalidates the refresh token server-side.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.execute(ctx, call{
		op: "logout", method: http.MethodPost, path: PathLogout,
		authed: true,
	})
	return err
}
