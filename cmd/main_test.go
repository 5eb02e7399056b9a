package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compactbot/internal/config"
	"compactbot/internal/llmservice"
	"compactbot/internal/models"
	"compactbot/internal/rag"
)

// echoEngine answers every question with its upper-cased text.
type echoEngine struct {
	asked []string
	fail  map[string]bool
}

func (e *echoEngine) Ask(ctx context.Context, s *rag.Session, question string) (*models.PromptResponse, error) {
	e.asked = append(e.asked, question)
	if e.fail[question] {
		return nil, fmt.Errorf("%w: down", models.ErrCompletion)
	}
	reply := strings.ToUpper(question)
	if err := s.History.Append(ctx, models.RoleUser, question); err != nil {
		return nil, err
	}
	if err := s.History.Append(ctx, models.RoleAssistant, reply); err != nil {
		return nil, err
	}
	return &models.PromptResponse{Query: question, Content: reply, Source: "a.pdf (p. 1)"}, nil
}

func (e *echoEngine) AskStream(ctx context.Context, s *rag.Session, question string) (<-chan llmservice.Fragment, error) {
	e.asked = append(e.asked, question)
	out := make(chan llmservice.Fragment, 2)
	out <- llmservice.Fragment{Text: strings.ToUpper(question[:1])}
	out <- llmservice.Fragment{Text: strings.ToUpper(question[1:])}
	close(out)
	return out, nil
}

func TestChat_AnswersUntilExit(t *testing.T) {
	engine := &echoEngine{}
	session := rag.NewSession(config.VariantDirect, 0)
	var out bytes.Buffer

	chat(context.Background(), engine, session, false, strings.NewReader("hello\n\n  counter  \nexit\nignored\n"), &out)

	assert.Equal(t, []string{"hello", "counter"}, engine.asked)
	assert.Contains(t, out.String(), "Welcome to CompactBot")
	assert.Contains(t, out.String(), "HELLO\n\nSources: a.pdf (p. 1)")
	assert.Contains(t, out.String(), "COUNTER")
	assert.Equal(t, 4, session.History.Len())
}

func TestChat_FailedTurnKeepsGoing(t *testing.T) {
	engine := &echoEngine{fail: map[string]bool{"bad": true}}
	session := rag.NewSession(config.VariantDirect, 0)
	var out bytes.Buffer

	chat(context.Background(), engine, session, false, strings.NewReader("bad\ngood\n"), &out)

	assert.Equal(t, []string{"bad", "good"}, engine.asked)
	assert.Contains(t, out.String(), "GOOD")
	assert.Equal(t, 2, session.History.Len())
}

func TestAnswer_Streaming(t *testing.T) {
	var out bytes.Buffer

	err := answer(context.Background(), &echoEngine{}, rag.NewSession(config.VariantChain, 0), "witness", true, &out)

	assert.NoError(t, err)
	assert.Equal(t, "WITNESS\n\n", out.String())
}

func TestChat_ReturnsWhenContextDoneAtPrompt(t *testing.T) {
	in, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		chat(ctx, &echoEngine{}, rag.NewSession(config.VariantDirect, 0), false, in, io.Discard)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "chat kept waiting for input after cancellation")
	}
}
