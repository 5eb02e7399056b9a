package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	"compactbot/internal/models"
)

const (
	VarContext  = "context"
	VarHistory  = "history"
	VarQuestion = "question"
)

//go:embed templates/compact.tmpl
var compactTemplate string

// Assembler renders the Compact instruction template around the retrieved
// context, the conversation history and the user's question.
type Assembler struct {
	template prompts.PromptTemplate
	maxChars int
}

var _ prompts.FormatPrompter = (*Assembler)(nil)

// NewAssembler uses the built-in template. maxChars of 0 disables the size check.
func NewAssembler(maxChars int) *Assembler {
	return &Assembler{template: newTemplate(compactTemplate), maxChars: maxChars}
}

// NewAssemblerFromFile loads a go-template from path. It must reference the
// context, history and question variables only.
func NewAssemblerFromFile(path string, maxChars int) (*Assembler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template: %w", err)
	}
	tmpl := newTemplate(string(data))
	if err := prompts.CheckValidTemplate(tmpl.Template, tmpl.TemplateFormat, tmpl.InputVariables); err != nil {
		return nil, fmt.Errorf("%w: prompt template %s: %w", models.ErrInvalidConfig, path, err)
	}
	return &Assembler{template: tmpl, maxChars: maxChars}, nil
}

// New picks the template file when one is configured.
func New(promptFile string, maxChars int) (*Assembler, error) {
	if promptFile == "" {
		return NewAssembler(maxChars), nil
	}
	return NewAssemblerFromFile(promptFile, maxChars)
}

func newTemplate(text string) prompts.PromptTemplate {
	return prompts.NewPromptTemplate(text, []string{VarContext, VarHistory, VarQuestion})
}

// BuildContext joins chunk texts in rank order with a blank line between them.
// Duplicates are kept.
func BuildContext(chunks []string) string {
	return strings.Join(chunks, models.ContextSeparator)
}

// Build assembles the prompt for one turn.
func (a *Assembler) Build(contextChunks []string, history, question string) (string, error) {
	return a.render(BuildContext(contextChunks), history, question)
}

// FormatPrompt lets the assembler stand in as a chain prompt. The context
// variable arrives already joined.
func (a *Assembler) FormatPrompt(values map[string]any) (llms.PromptValue, error) {
	vars := make(map[string]string, 3)
	for _, key := range a.GetInputVariables() {
		v, ok := values[key]
		if !ok {
			return nil, fmt.Errorf("missing prompt variable %q", key)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("prompt variable %q is %T, not a string", key, v)
		}
		vars[key] = s
	}

	rendered, err := a.render(vars[VarContext], vars[VarHistory], vars[VarQuestion])
	if err != nil {
		return nil, err
	}
	return prompts.StringPromptValue(rendered), nil
}

func (a *Assembler) GetInputVariables() []string {
	return a.template.GetInputVariables()
}

func (a *Assembler) render(context, history, question string) (string, error) {
	rendered, err := a.template.Format(map[string]any{
		VarContext:  context,
		VarHistory:  history,
		VarQuestion: question,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	if a.maxChars > 0 {
		if n := utf8.RuneCountInString(rendered); n > a.maxChars {
			return "", fmt.Errorf("%w: %d characters, limit %d", models.ErrPromptTooLarge, n, a.maxChars)
		}
	}
	return rendered, nil
}
