package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrInvalidToken = errors.New("invalid token")

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// AuthClient wraps the auth-service ValidateToken call.
type AuthClient struct {
	conn    grpclib.ClientConnInterface
	timeout time.Duration
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpclib.ClientConnInterface, timeout time.Duration) *AuthClient {
	return &AuthClient{conn: conn, timeout: timeout}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := (&frame{}).appendString(1, token)
	resp := &frame{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp, grpclib.ForceCodec(rawCodec{})); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.InvalidArgument, codes.NotFound:
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("validate token: %w", err)
	}

	fields, err := resp.fields()
	if err != nil {
		return "", fmt.Errorf("decode validate token response: %w", err)
	}
	userID := fields[2]
	if fields[1] != "1" || userID == "" || userID == "0" {
		return "", ErrInvalidToken
	}
	return userID, nil
}
