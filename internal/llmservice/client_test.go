package llmservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"compactbot/internal/config"
	"compactbot/internal/models"
)

// fakeModel answers with a fixed reply, streaming it word by word when asked.
type fakeModel struct {
	reply    []string
	err      error
	block    bool
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, o := range options {
		o(&m.opts)
	}

	full := ""
	for _, part := range m.reply {
		if m.opts.StreamingFunc != nil {
			if err := m.opts.StreamingFunc(ctx, []byte(part)); err != nil {
				return nil, err
			}
		}
		full += part
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestComplete_SendsSystemAndPrompt(t *testing.T) {
	model := &fakeModel{reply: []string{"use ", "Counter"}}
	client := NewClient(model, 0)

	answer, err := client.Complete(context.Background(), "the prompt")
	require.NoError(t, err)

	assert.Equal(t, "use Counter", answer)
	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.TextContent{Text: models.SystemPrompt}, model.messages[0].Parts[0])
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.TextContent{Text: "the prompt"}, model.messages[1].Parts[0])
	assert.Equal(t, 0.0, model.opts.Temperature)
}

func TestComplete_WrapsErrors(t *testing.T) {
	client := NewClient(&fakeModel{err: errors.New("context_length_exceeded")}, 0)

	_, err := client.Complete(context.Background(), "p")

	assert.ErrorIs(t, err, models.ErrCompletion)
	assert.Contains(t, err.Error(), "context_length_exceeded")
}

func TestStream_DeliversFragmentsThenCloses(t *testing.T) {
	client := NewClient(&fakeModel{reply: []string{"a", "b", "c"}}, 0)

	var got []string
	for f := range client.Stream(context.Background(), "p") {
		require.NoError(t, f.Err)
		got = append(got, f.Text)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStream_ReportsFailureLast(t *testing.T) {
	client := NewClient(&fakeModel{reply: []string{"partial"}, err: errors.New("server error")}, 0)

	text, err := Collect(client.Stream(context.Background(), "p"))

	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, models.ErrCompletion)
}

func TestStream_CancelStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(&fakeModel{reply: []string{"first"}, block: true}, 0)

	stream := client.Stream(ctx, "p")
	first := <-stream
	assert.Equal(t, "first", first.Text)

	cancel()
	select {
	case f, ok := <-stream:
		assert.False(t, ok, "unexpected fragment %+v", f)
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed after cancel")
	}
}

func TestNewChatModel(t *testing.T) {
	_, err := NewChatModel(&config.LLMConfig{Provider: "azure"})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	llm, err := NewChatModel(&config.LLMConfig{Provider: config.ProviderOpenAI, Model: "gpt-4-1106-preview", Key: "sk-test"})
	require.NoError(t, err)
	assert.NotNil(t, llm)
}
