package llm

import (
	"errors"
	"strings"
)

// ReducePromptError reports that the provider rejected the batch because
// the combined input exceeds its context limit. Callers split the batch
// and retry rather than failing the repository.
type ReducePromptError struct {
	Err error
}

func (e *ReducePromptError) Error() string { return e.Err.Error() }

func (e *ReducePromptError) Unwrap() error { return e.Err }

// reducePromptHints are the message fragments providers use for oversized
// input. Matched case-insensitively.
var reducePromptHints = []string{
	"please reduce your prompt",
	"reduce the length",
	"maximum context length",
}

// IsReducePrompt reports whether err is an over-length rejection.
func IsReducePrompt(err error) bool {
	if err == nil {
		return false
	}
	var rpe *ReducePromptError
	if errors.As(err, &rpe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range reducePromptHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// ClassifyEmbedError wraps over-length rejections in ReducePromptError so
// callers can branch on the error kind with errors.As.
func ClassifyEmbedError(err error) error {
	if err == nil {
		return nil
	}
	var rpe *ReducePromptError
	if errors.As(err, &rpe) {
		return err
	}
	if IsReducePrompt(err) {
		return &ReducePromptError{Err: err}
	}
	return err
}
