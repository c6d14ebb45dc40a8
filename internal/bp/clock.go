package bp

import (
	"time"

	"github.com/google/uuid"
)

// Clock provides the current time. Injected so tests can pin timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// IDGenerator creates identifiers for operation records.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random UUIDs.
type UUIDGenerator struct{}

func (g *UUIDGenerator) NewID() string {
	return uuid.NewString()
}
