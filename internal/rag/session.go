package rag

import (
	"time"

	"github.com/google/uuid"

	"compactbot/internal/history"
)

// Session is the state of one conversation. Each turn reads and extends its
// History; sessions are independent of each other.
type Session struct {
	ID        uuid.UUID
	Variant   string
	History   history.Store
	CreatedAt time.Time
}

// NewSession starts an empty conversation with the history store the variant
// expects. maxTurns of 0 keeps every turn.
func NewSession(variant string, maxTurns int) *Session {
	return &Session{
		ID:        uuid.New(),
		Variant:   variant,
		History:   history.New(variant, maxTurns),
		CreatedAt: time.Now().UTC(),
	}
}
