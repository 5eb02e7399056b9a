package models

import "errors"

var (
	// ErrCorpusLoad is returned when the corpus directory or one of its files can't be read.
	ErrCorpusLoad = errors.New("corpus load failed")
	// ErrEmbedding is returned when the embedding API fails.
	ErrEmbedding = errors.New("embedding failed")
	// ErrCompletion is returned when the completion API fails.
	ErrCompletion = errors.New("completion failed")
	// ErrPromptTooLarge is returned when an assembled prompt exceeds the configured budget.
	ErrPromptTooLarge = errors.New("prompt exceeds configured size")
	ErrInvalidConfig  = errors.New("invalid config")
)
