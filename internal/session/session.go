package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultSystemPrompt seeds every new conversation.
const DefaultSystemPrompt = "You are a helpful assistant."

// Turn represents a single chat message
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered, append-only sequence of turns bound to one
// session identifier. Reset is the only operation that discards turns.
type Conversation struct {
	mu           sync.RWMutex
	id           string
	startTime    time.Time
	systemPrompt string
	turns        []Turn
}

// NewID returns a fresh opaque session identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates a conversation holding a single system turn.
func New(systemPrompt string) *Conversation {
	c := &Conversation{systemPrompt: systemPrompt}
	c.reset()
	return c
}

// WithID creates a conversation that resumes an existing upstream session id.
func WithID(id, systemPrompt string) *Conversation {
	c := New(systemPrompt)
	if id != "" {
		c.id = id
	}
	return c
}

func (c *Conversation) reset() {
	now := time.Now()
	c.id = NewID()
	c.startTime = now
	c.turns = []Turn{{Role: RoleSystem, Content: c.systemPrompt, Timestamp: now}}
}

// Reset replaces the turns with a fresh system turn and regenerates the
// session id. It returns the new id.
func (c *Conversation) Reset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return c.id
}

// ID returns the session identifier.
func (c *Conversation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// StartTime returns when the current session began.
func (c *Conversation) StartTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime
}

// Append adds a turn to the end of the conversation.
func (c *Conversation) Append(role Role, content string) Turn {
	t := Turn{Role: role, Content: content, Timestamp: time.Now()}
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
	return t
}

// Turns returns a copy of the turns.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// LatestUserTurn returns the most recent user turn in turns.
func LatestUserTurn(turns []Turn) (Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i], true
		}
	}
	return Turn{}, false
}
