package rbac

import (
	"strings"

	"github.com/hivemesh/fabric/internal/fault"
)

// TokenValidator turns a bearer credential into a user id. Tokens are
// consumed here, never minted.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// BearerValidator is the reference validator: it accepts credentials of
// the form "user-<userId>". A real deployment substitutes a verified
// token source behind the same interface.
type BearerValidator struct{}

const bearerPrefix = "user-"

// Validate extracts the user id from a reference bearer token
func (BearerValidator) Validate(token string) (string, error) {
	if !strings.HasPrefix(token, bearerPrefix) {
		return "", fault.New(fault.KindPermissionDenied, "Invalid authentication token")
	}
	userID := strings.TrimPrefix(token, bearerPrefix)
	if userID == "" {
		return "", fault.New(fault.KindPermissionDenied, "Invalid authentication token")
	}
	return userID, nil
}
