package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/memory"
	"github.com/tmc/langchaingo/schema"

	"compactbot/internal/config"
	"compactbot/internal/models"
)

const (
	// MemoryKey is the prompt variable the rendered history is bound to.
	MemoryKey = "history"
	InputKey  = "question"
	OutputKey = "text"
)

// Store is the conversation history of one session, oldest turn first. It
// doubles as chain memory so either implementation can back either pipeline.
// Stores are not safe for concurrent use.
type Store interface {
	schema.Memory

	Append(ctx context.Context, role, text string) error
	Turns(ctx context.Context) ([]models.Turn, error)
	// Render formats the turns for splicing into a prompt.
	Render(ctx context.Context) (string, error)
	Len() int
}

// New returns the store kind each pipeline variant uses.
func New(variant string, maxTurns int) Store {
	if variant == config.VariantChain {
		return NewBufferStore(maxTurns)
	}
	return NewListStore(maxTurns)
}

func validRole(role string) error {
	if role != models.RoleUser && role != models.RoleAssistant {
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

// ListStore keeps turns in a slice and renders them as JSON records.
type ListStore struct {
	turns    []models.Turn
	maxTurns int
}

// NewListStore keeps at most maxTurns turns; 0 keeps all of them.
func NewListStore(maxTurns int) *ListStore {
	return &ListStore{maxTurns: maxTurns}
}

func (s *ListStore) Append(_ context.Context, role, text string) error {
	if err := validRole(role); err != nil {
		return err
	}
	s.turns = append(s.turns, models.Turn{Role: role, Content: text})
	if s.maxTurns > 0 && len(s.turns) > s.maxTurns {
		s.turns = append([]models.Turn(nil), s.turns[len(s.turns)-s.maxTurns:]...)
	}
	return nil
}

func (s *ListStore) Turns(_ context.Context) ([]models.Turn, error) {
	return append([]models.Turn(nil), s.turns...), nil
}

// Render gives [{"role":"user","content":"..."},...]; an empty history is [].
func (s *ListStore) Render(_ context.Context) (string, error) {
	turns := s.turns
	if turns == nil {
		turns = []models.Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("failed to render history: %w", err)
	}
	return string(b), nil
}

func (s *ListStore) Len() int {
	return len(s.turns)
}

func (s *ListStore) GetMemoryKey(context.Context) string {
	return MemoryKey
}

func (s *ListStore) MemoryVariables(context.Context) []string {
	return []string{MemoryKey}
}

func (s *ListStore) LoadMemoryVariables(ctx context.Context, _ map[string]any) (map[string]any, error) {
	rendered, err := s.Render(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{MemoryKey: rendered}, nil
}

func (s *ListStore) SaveContext(ctx context.Context, inputs, outputs map[string]any) error {
	question, err := memory.GetInputValue(inputs, InputKey)
	if err != nil {
		return err
	}
	answer, err := memory.GetInputValue(outputs, OutputKey)
	if err != nil {
		return err
	}
	if err := s.Append(ctx, models.RoleUser, question); err != nil {
		return err
	}
	return s.Append(ctx, models.RoleAssistant, answer)
}

func (s *ListStore) Clear(context.Context) error {
	s.turns = nil
	return nil
}
