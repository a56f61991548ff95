package models

import (
	"strings"
	"time"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one message in a session. Turns are append-only.
type ConversationTurn struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	OriginalIndex int64     `json:"originalIndex"`
}

// Before reports whether t sorts strictly before o in session order.
func (t ConversationTurn) Before(o ConversationTurn) bool {
	if !t.Timestamp.Equal(o.Timestamp) {
		return t.Timestamp.Before(o.Timestamp)
	}
	return t.OriginalIndex < o.OriginalIndex
}

// SessionHandle identifies a conversation.
type SessionHandle struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
	ContextKey string `json:"contextKey"`
}

// Key returns the partition key used by stores.
func (h SessionHandle) Key() string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`)
	return r.Replace(h.WorkflowID) + ":" + r.Replace(h.UserID) + ":" + r.Replace(h.ContextKey)
}

// HistoryPage is one page of a backward history walk. Turns are newest-first.
type HistoryPage struct {
	Turns   []ConversationTurn `json:"turns"`
	HasMore bool               `json:"hasMore"`
	Cursor  string             `json:"cursor,omitempty"`
}
