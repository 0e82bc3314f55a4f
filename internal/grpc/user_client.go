package grpc

import (
	"context"
	"fmt"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const getUserMethod = "/user.UserInternal/GetUser"

// UserClient wraps the user-service directory lookup.
type UserClient struct {
	conn    grpclib.ClientConnInterface
	timeout time.Duration
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpclib.ClientConnInterface, timeout time.Duration) *UserClient {
	return &UserClient{conn: conn, timeout: timeout}
}

// UserExists reports whether the directory knows userID.
func (u *UserClient) UserExists(ctx context.Context, userID string) (bool, error) {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	req := (&frame{}).appendString(1, userID)
	resp := &frame{}
	if err := u.conn.Invoke(ctx, getUserMethod, req, resp, grpclib.ForceCodec(rawCodec{})); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("get user: %w", err)
	}
	fields, err := resp.fields()
	if err != nil {
		return false, fmt.Errorf("decode get user response: %w", err)
	}
	id := fields[1]
	return id != "" && id != "0", nil
}
