package history

import (
	"context"
	"fmt"
	"slices"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"

	"compactbot/internal/models"
)

// BufferStore wraps langchaingo's ConversationBuffer. It renders as
// "Human: ...\nAI: ...".
type BufferStore struct {
	*memory.ConversationBuffer
	maxTurns int
}

// NewBufferStore keeps at most maxTurns messages; 0 keeps all of them.
func NewBufferStore(maxTurns int) *BufferStore {
	return &BufferStore{
		ConversationBuffer: memory.NewConversationBuffer(
			memory.WithChatHistory(memory.NewChatMessageHistory()),
			memory.WithMemoryKey(MemoryKey),
			memory.WithInputKey(InputKey),
			memory.WithOutputKey(OutputKey),
		),
		maxTurns: maxTurns,
	}
}

func (s *BufferStore) Append(ctx context.Context, role, text string) error {
	var err error
	switch role {
	case models.RoleUser:
		err = s.ChatHistory.AddUserMessage(ctx, text)
	case models.RoleAssistant:
		err = s.ChatHistory.AddAIMessage(ctx, text)
	default:
		return validRole(role)
	}
	if err != nil {
		return err
	}
	return s.trim(ctx)
}

// SaveContext records a chain run as a user and an assistant turn.
func (s *BufferStore) SaveContext(ctx context.Context, inputs, outputs map[string]any) error {
	if err := s.ConversationBuffer.SaveContext(ctx, inputs, outputs); err != nil {
		return err
	}
	return s.trim(ctx)
}

func (s *BufferStore) Turns(ctx context.Context) ([]models.Turn, error) {
	messages, err := s.ChatHistory.Messages(ctx)
	if err != nil {
		return nil, err
	}
	turns := make([]models.Turn, 0, len(messages))
	for _, m := range messages {
		switch m.GetType() {
		case llms.ChatMessageTypeHuman:
			turns = append(turns, models.Turn{Role: models.RoleUser, Content: m.GetContent()})
		case llms.ChatMessageTypeAI:
			turns = append(turns, models.Turn{Role: models.RoleAssistant, Content: m.GetContent()})
		}
	}
	return turns, nil
}

func (s *BufferStore) Render(ctx context.Context) (string, error) {
	vars, err := s.LoadMemoryVariables(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to render history: %w", err)
	}
	rendered, _ := vars[MemoryKey].(string)
	return rendered, nil
}

func (s *BufferStore) Len() int {
	messages, err := s.ChatHistory.Messages(context.Background())
	if err != nil {
		return 0
	}
	return len(messages)
}

func (s *BufferStore) trim(ctx context.Context) error {
	if s.maxTurns <= 0 {
		return nil
	}
	messages, err := s.ChatHistory.Messages(ctx)
	if err != nil {
		return err
	}
	if len(messages) <= s.maxTurns {
		return nil
	}
	return s.ChatHistory.SetMessages(ctx, slices.Clone(messages[len(messages)-s.maxTurns:]))
}
