// Package llm holds the narrow contract every model backend satisfies.
package llm

import (
	"errors"
	"fmt"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Params are the generation knobs a request may carry. Zero values mean
// "backend default"; Temperature is a pointer so that an explicit zero
// is distinguishable from "not set".
type Params struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Temperature wraps a sampling temperature for Params.
func Temperature(v float32) *float32 { return &v }

var (
	ErrMissingCredential = errors.New("backend credential not configured")
	ErrUpstream          = errors.New("upstream backend error")
)

// StatusError carries the upstream HTTP status and body excerpt for a
// failed backend call. It unwraps to ErrUpstream.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream backend error: status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }
