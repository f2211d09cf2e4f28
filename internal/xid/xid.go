package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed, globally unique identifier.
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Token returns a bare uuid, used for device tokens handed to terminal agents.
func Token() string {
	return uuid.NewString()
}
