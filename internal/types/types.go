// Package types provides shared type definitions used across yacb packages.
// This package exists to break import cycles between the bus, agent, and store.
// Types in this package are foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// Tier is the coarse service level a turn is routed to.
type Tier string

const (
	TierLight  Tier = "light"
	TierMedium Tier = "medium"
	TierHeavy  Tier = "heavy"
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierLight, TierMedium, TierHeavy:
		return true
	}
	return false
}

// TurnStatus is the lifecycle state of a Turn.
// pending -> {succeeded, failed}; both terminal.
type TurnStatus string

const (
	StatusPending   TurnStatus = "pending"
	StatusSucceeded TurnStatus = "succeeded"
	StatusFailed    TurnStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s TurnStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// InboundMessage is one message received from a channel adapter.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

// ConversationID returns the "channel:chat" key that scopes a conversation.
func (m InboundMessage) ConversationID() string {
	return ConversationID(m.Channel, m.ChatID)
}

// OutboundMessage is one reply handed back to a channel adapter.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Status   TurnStatus
	Metadata map[string]string
}

// ConversationID builds the conversation key for a channel/chat pair.
func ConversationID(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// Turn is one inbound message and its resulting reply: the unit of persistence.
type Turn struct {
	ID             string
	TurnNumber     int64 // monotonic per conversation, assigned by the store
	ConversationID string
	Channel        string
	AgentID        string
	SenderID       string
	Input          string
	Tier           Tier
	Model          string // model actually used, including any fallback
	Reply          string
	Status         TurnStatus
	ErrorDetail    string
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// RouteDecision is the ephemeral result of tier routing. It is folded
// into the Turn record and discarded after use.
type RouteDecision struct {
	Tier        Tier
	Model       string
	CleanedText string
	Overridden  bool
}

// Usage is accumulated token accounting for one turn.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}
