package callsystem

import (
	"sync"
	"time"
)

// Direction is who placed the call.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the lifecycle of a call session.
type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Call is the session state of one phone call. Ended is terminal.
type Call struct {
	id             string
	conversationID string
	direction      Direction
	from           string
	to             string
	createdAt      time.Time

	mu     sync.RWMutex
	status Status
}

// NewCall creates a ringing call.
func NewCall(id, conversationID string, direction Direction, from, to string) *Call {
	return &Call{
		id:             id,
		conversationID: conversationID,
		direction:      direction,
		from:           from,
		to:             to,
		createdAt:      time.Now(),
		status:         StatusRinging,
	}
}

// ID returns the carrier call identifier.
func (c *Call) ID() string {
	return c.id
}

// ConversationID returns the id the media stream connects with.
func (c *Call) ConversationID() string {
	return c.conversationID
}

// Direction returns inbound or outbound.
func (c *Call) Direction() Direction {
	return c.direction
}

// From returns the caller ID.
func (c *Call) From() string {
	return c.from
}

// To returns the called number.
func (c *Call) To() string {
	return c.to
}

// CreatedAt returns when the session was created.
func (c *Call) CreatedAt() time.Time {
	return c.createdAt
}

// Status returns the current call status.
func (c *Call) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus moves the call to status. It reports false once the call has
// ended.
func (c *Call) SetStatus(status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusEnded {
		return false
	}
	c.status = status
	return true
}

// Duration returns the time since the session was created.
func (c *Call) Duration() time.Duration {
	return time.Since(c.createdAt)
}
