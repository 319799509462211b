package backend

import (
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	ResponseFormatURL     = "url"
	ResponseFormatB64JSON = "b64_json"
)

// HistoryMessage is one entry of the conversation sent upstream. Only text turns are
// sent; image results never leave the client.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model    string
	Messages []HistoryMessage
}

type ImageRequest struct {
	Prompt string
	// Count defaults to 1 when not positive.
	Count int
	// Size is "WxH"; the caller applies its default.
	Size string
	// ResponseFormat is ResponseFormatURL or ResponseFormatB64JSON.
	ResponseFormat string
}

// Image is one generated artifact as returned by the backend. Exactly one of URL and
// B64JSON is expected to be set.
type Image struct {
	ID      string `json:"uuid"`
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// TransportError is a non-success HTTP response. Message is the backend's own error
// description when the body carried one.
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("backend request failed (status %d)", e.StatusCode)
	}
	return msg
}
