// Package conversation owns the chat transcript and turns each user prompt into exactly
// one backend call.
package conversation

import (
	"errors"
	"slices"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	DefaultMaxUserTurns = 5
	DefaultModel        = "gpt-4o"
	DefaultSystemPrompt = "You are a software developer student that only speaks in rhymes"
)

var (
	ErrEmptyPrompt     = errors.New("please enter a prompt")
	ErrTurnLimit       = errors.New("user turn limit reached")
	ErrBusy            = errors.New("a request is already in flight")
	ErrNoImages        = errors.New("image backend returned no images")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrUnknownArtifact = errors.New("unknown artifact")
)

// Image is one generated artifact. Locator is either a URL or a data: URI.
type Image struct {
	ID      string `json:"id"`
	Locator string `json:"locator"`
}

// Message is one transcript entry. Assistant entries carry either Content or Images.
type Message struct {
	Role    Role    `json:"role"`
	Content string  `json:"content,omitempty"`
	Images  []Image `json:"images,omitempty"`
}

func (m Message) HasImages() bool { return len(m.Images) > 0 }

func (m Message) clone() Message {
	m.Images = slices.Clone(m.Images)
	return m
}

// Rotate moves the first image to the end and keeps the rest in order.
// Lists with fewer than two images are returned unchanged. The input is not modified.
func Rotate(images []Image) []Image {
	if len(images) < 2 {
		return slices.Clone(images)
	}
	out := make([]Image, 0, len(images))
	out = append(out, images[1:]...)
	return append(out, images[0])
}
