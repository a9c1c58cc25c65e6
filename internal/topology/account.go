package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"procodus.dev/iot-cloud/internal/broker"
)

// Credentials are the broker login of a device or live session.
type Credentials struct {
	Username string
	Password string
}

// NewPassword returns a random broker password.
func NewPassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Account describes a broker user and what it may touch.
type Account struct {
	Name        string
	Permissions broker.Permissions
	// Topic is optional.
	Topic *broker.TopicPermissions
}

// PutAccount creates or updates the account with a fresh password and
// replaces its permissions.
func PutAccount(ctx context.Context, admin broker.Admin, a Account) (Credentials, error) {
	password := NewPassword()
	if err := admin.PutUser(ctx, a.Name, password); err != nil {
		return Credentials{}, fmt.Errorf("failed to put user %s: %w", a.Name, err)
	}
	if err := admin.SetPermissions(ctx, a.Name, a.Permissions); err != nil {
		return Credentials{}, fmt.Errorf("failed to set permissions of %s: %w", a.Name, err)
	}
	if a.Topic != nil {
		if err := admin.SetTopicPermissions(ctx, a.Name, *a.Topic); err != nil {
			return Credentials{}, fmt.Errorf("failed to set topic permissions of %s: %w", a.Name, err)
		}
	}
	return Credentials{Username: a.Name, Password: password}, nil
}
