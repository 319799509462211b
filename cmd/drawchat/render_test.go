package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/floegence/drawchat/internal/conversation"
)

func assistantEvent(typ conversation.EventType, index int, content string) conversation.Event {
	return conversation.Event{
		Type:    typ,
		Index:   index,
		Message: &conversation.Message{Role: conversation.RoleAssistant, Content: content},
	}
}

func TestTextRenderer_PrintsOnlyNewText(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := newTextRenderer(&out)
	r.handle(conversation.Event{Type: conversation.EventBusyChanged, Busy: true, CanSubmit: false})
	r.handle(assistantEvent(conversation.EventMessageAppended, 2, "Roses "))
	r.handle(assistantEvent(conversation.EventMessageUpdated, 2, "Roses are "))
	r.handle(assistantEvent(conversation.EventMessageUpdated, 2, "Roses are "))
	r.handle(assistantEvent(conversation.EventMessageUpdated, 2, "Roses are red"))
	r.handle(conversation.Event{Type: conversation.EventBusyChanged, Busy: false, CanSubmit: true})

	if got, want := out.String(), "assistant> Roses are red\n"; got != want {
		t.Fatalf("output got=%q want=%q", got, want)
	}
}

func TestTextRenderer_NoticesAndErrors(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := newTextRenderer(&out)
	r.handle(assistantEvent(conversation.EventMessageAppended, 2, "half"))
	r.handle(conversation.Event{Type: conversation.EventError, Index: 1, Error: "chat stream: boom"})
	r.handle(conversation.Event{Type: conversation.EventNotice, Notice: "please enter a prompt"})
	r.handle(conversation.Event{Type: conversation.EventBusyChanged, Busy: false, CanSubmit: false})

	want := "assistant> half\nerror: chat stream: boom\n! please enter a prompt\n! prompt limit reached; /next and /history still work\n"
	if got := out.String(); got != want {
		t.Fatalf("output got=%q want=%q", got, want)
	}
}

func TestTextRenderer_UserEntriesAreNotEchoed(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := newTextRenderer(&out)
	r.handle(conversation.Event{
		Type:    conversation.EventMessageAppended,
		Index:   1,
		Message: &conversation.Message{Role: conversation.RoleUser, Content: "hello"},
	})
	if out.Len() != 0 {
		t.Fatalf("user entry echoed: %q", out.String())
	}
}

func TestDescribeLocator(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"https://img.example/a.png?t=1", "https://img.example/a.png?t=1"},
		{"data:image/png;base64,", "inline image/png, 0 B"},
		{"data:image/png;base64,AAAA", "inline image/png, 3 B"},
		{"data:image/png;base64,AA==", "inline image/png, 1 B"},
		{"data:image/png;base64," + strings.Repeat("A", 4_000_000), "inline image/png, 3.0 MB"},
	}
	for _, tc := range cases {
		if got := describeLocator(tc.in); got != tc.want {
			t.Fatalf("describeLocator(%.40q) got=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestNDJSONRenderer_OneObjectPerLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	r := newNDJSONRenderer(w)

	r.handle(assistantEvent(conversation.EventMessageAppended, 2, "line\nbreak"))
	r.history([]conversation.Message{{Role: conversation.RoleUser, Content: "hi"}})
	r.info("hello")

	// Every send flushes, so nothing may be left buffered.
	if w.Buffered() != 0 {
		t.Fatalf("renderer left %d bytes buffered", w.Buffered())
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d, want 3: %q", len(lines), buf.String())
	}
	var ev struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "message_appended" || ev.Index != 2 || ev.Message.Content != "line\nbreak" {
		t.Fatalf("event=%+v", ev)
	}
	if !strings.Contains(lines[1], `"type":"history"`) || !strings.Contains(lines[2], `"notice":"hello"`) {
		t.Fatalf("lines=%q", lines)
	}
}

func TestNewRenderer(t *testing.T) {
	t.Parallel()

	if r, err := newRenderer("", &bytes.Buffer{}); err != nil {
		t.Fatalf("default renderer: %v", err)
	} else if _, ok := r.(*textRenderer); !ok {
		t.Fatalf("default renderer got=%T", r)
	}
	if r, err := newRenderer("NDJSON", &bytes.Buffer{}); err != nil {
		t.Fatalf("ndjson renderer: %v", err)
	} else if _, ok := r.(*ndjsonRenderer); !ok {
		t.Fatalf("ndjson renderer got=%T", r)
	}
	if _, err := newRenderer("xml", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown output")
	}
}
