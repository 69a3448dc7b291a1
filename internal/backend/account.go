package backend

import (
	"context"
	"net/http"

	"github.com/matheus3301/smartlink/internal/account"
)

func (c *Client) Login(ctx context.Context, req account.LoginRequest) (*account.AuthResult, error) {
	var out account.AuthResult
	if err := c.do(ctx, call{op: "login", method: http.MethodPost, path: "/api/auth/login", in: req, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, req account.RegisterRequest) (*account.AuthResult, error) {
	var out account.AuthResult
	if err := c.do(ctx, call{op: "register", method: http.MethodPost, path: "/api/auth/register", in: req, out: &out}); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ account.Backend = (*Client)(nil)
