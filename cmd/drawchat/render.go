package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/floegence/drawchat/internal/conversation"
)

// renderer turns engine events into terminal output.
type renderer interface {
	handle(ev conversation.Event)
	history(msgs []conversation.Message)
	info(msg string)
}

func newRenderer(output string, w io.Writer) (renderer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "text":
		return newTextRenderer(w), nil
	case "ndjson":
		return newNDJSONRenderer(w), nil
	default:
		return nil, fmt.Errorf("want text|ndjson, got %q", output)
	}
}

type textRenderer struct {
	mu sync.Mutex
	w  io.Writer

	// printed is how many bytes of each assistant entry have been written.
	printed   map[int]int
	streaming int
}

func newTextRenderer(w io.Writer) *textRenderer {
	return &textRenderer{w: w, printed: make(map[int]int), streaming: -1}
}

func (r *textRenderer) handle(ev conversation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case conversation.EventMessageAppended, conversation.EventMessageUpdated:
		msg := ev.Message
		if msg == nil {
			return
		}
		if msg.HasImages() {
			r.closeStream()
			r.writeImages(ev.Index, msg.Images)
			return
		}
		if msg.Role == conversation.RoleAssistant {
			r.writeSnapshot(ev.Index, msg.Content)
		}
	case conversation.EventNotice:
		r.closeStream()
		fmt.Fprintf(r.w, "! %s\n", ev.Notice)
	case conversation.EventError:
		r.closeStream()
		fmt.Fprintf(r.w, "error: %s\n", ev.Error)
	case conversation.EventBusyChanged:
		if ev.Busy {
			return
		}
		r.closeStream()
		if !ev.CanSubmit {
			fmt.Fprintln(r.w, "! prompt limit reached; /next and /history still work")
		}
	}
}

func (r *textRenderer) writeSnapshot(index int, content string) {
	if r.streaming != index {
		r.closeStream()
		fmt.Fprint(r.w, "assistant> ")
		r.streaming = index
	}
	done := r.printed[index]
	if done > len(content) {
		done = 0
	}
	fmt.Fprint(r.w, content[done:])
	r.printed[index] = len(content)
}

func (r *textRenderer) closeStream() {
	if r.streaming < 0 {
		return
	}
	fmt.Fprintln(r.w)
	r.streaming = -1
}

func (r *textRenderer) writeImages(index int, images []conversation.Image) {
	fmt.Fprintf(r.w, "images #%d:\n", index)
	for i, img := range images {
		fmt.Fprintf(r.w, "  [%d] %s  %s\n", i, img.ID, describeLocator(img.Locator))
	}
}

func (r *textRenderer) history(msgs []conversation.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStream()
	for i, m := range msgs {
		if m.HasImages() {
			r.writeImages(i, m.Images)
			continue
		}
		fmt.Fprintf(r.w, "#%d %s: %s\n", i, m.Role, m.Content)
	}
}

func (r *textRenderer) info(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStream()
	fmt.Fprintln(r.w, msg)
}

// describeLocator shortens data: URIs to their media type and decoded size.
func describeLocator(locator string) string {
	rest, ok := strings.CutPrefix(locator, "data:")
	if !ok {
		return locator
	}
	meta, payload, _ := strings.Cut(rest, ",")
	media, _, _ := strings.Cut(meta, ";")
	return fmt.Sprintf("inline %s, %s", media, humanize.Bytes(base64DecodedLen(payload)))
}

func base64DecodedLen(payload string) uint64 {
	n := len(payload)/4*3 - (len(payload) - len(strings.TrimRight(payload, "=")))
	return uint64(max(n, 0))
}

type flusher interface {
	Flush() error
}

// ndjsonRenderer writes one JSON object per event so another process can drive its own
// display from the same engine.
type ndjsonRenderer struct {
	mu sync.Mutex
	w  io.Writer
	f  flusher
}

func newNDJSONRenderer(w io.Writer) *ndjsonRenderer {
	var f flusher
	if fl, ok := w.(flusher); ok {
		f = fl
	}
	return &ndjsonRenderer{w: w, f: f}
}

func (s *ndjsonRenderer) send(v any) error {
	if s == nil || s.w == nil {
		return errors.New("stream not ready")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if s.f != nil {
		return s.f.Flush()
	}
	return nil
}

func (s *ndjsonRenderer) handle(ev conversation.Event) {
	_ = s.send(ev)
}

func (s *ndjsonRenderer) history(msgs []conversation.Message) {
	_ = s.send(struct {
		Type     string                 `json:"type"`
		Messages []conversation.Message `json:"messages"`
	}{Type: "history", Messages: msgs})
}

func (s *ndjsonRenderer) info(msg string) {
	_ = s.send(struct {
		Type   string `json:"type"`
		Notice string `json:"notice"`
	}{Type: "info", Notice: msg})
}
