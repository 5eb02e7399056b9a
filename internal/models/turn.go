package models

// Turn is one message of a conversation, oldest first in every history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
