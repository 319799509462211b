package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/floegence/drawchat/internal/backend"
	"github.com/floegence/drawchat/internal/directive"
	"github.com/floegence/drawchat/internal/stream"
)

// Backend is the pair of calls a user turn can be dispatched to.
type Backend interface {
	StreamChat(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
	GenerateImages(ctx context.Context, req backend.ImageRequest) ([]backend.Image, error)
}

type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventMessageUpdated  EventType = "message_updated"
	EventNotice          EventType = "notice"
	EventError           EventType = "error"
	EventBusyChanged     EventType = "busy_changed"
)

// Event describes one observable change. Message is a copy; mutating it has no effect
// on the transcript.
type Event struct {
	Type      EventType `json:"type"`
	Index     int       `json:"index"`
	Message   *Message  `json:"message,omitempty"`
	Notice    string    `json:"notice,omitempty"`
	Error     string    `json:"error,omitempty"`
	Busy      bool      `json:"busy"`
	CanSubmit bool      `json:"can_submit"`
}

type Options struct {
	Backend Backend
	// Transcript defaults to one seeded with DefaultSystemPrompt.
	Transcript *Transcript
	Log        *slog.Logger

	Model            string
	MaxUserTurns     int
	DefaultImageSize string

	// OnEvent is called synchronously, never while the engine holds its lock.
	OnEvent func(Event)
}

// Engine is the single owner of a conversation transcript.
//
// At most one backend call is in flight per engine; Submit fails fast with ErrBusy
// instead of queueing. Stream snapshots and image rotations mutate the transcript only
// through the engine.
type Engine struct {
	backend      Backend
	log          *slog.Logger
	model        string
	maxUserTurns int
	imageSize    string
	onEvent      func(Event)

	gate *semaphore.Weighted
	busy atomic.Bool

	mu         sync.Mutex
	transcript *Transcript
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing backend")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTurns := opts.MaxUserTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxUserTurns
	}
	size := strings.TrimSpace(opts.DefaultImageSize)
	if size == "" {
		size = directive.DefaultSize
	}
	transcript := opts.Transcript
	if transcript == nil {
		transcript = NewTranscript(DefaultSystemPrompt)
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		backend:      opts.Backend,
		log:          log,
		model:        model,
		maxUserTurns: maxTurns,
		imageSize:    size,
		onEvent:      opts.OnEvent,
		gate:         semaphore.NewWeighted(1),
		transcript:   transcript,
	}, nil
}

func (e *Engine) Busy() bool {
	return e != nil && e.busy.Load()
}

func (e *Engine) MaxUserTurns() int {
	if e == nil {
		return 0
	}
	return e.maxUserTurns
}

func (e *Engine) UserTurns() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript.UserTurns()
}

// CanSubmit reports whether the input affordances should be enabled.
func (e *Engine) CanSubmit() bool {
	if e == nil || e.Busy() {
		return false
	}
	return e.UserTurns() < e.maxUserTurns
}

// Messages returns a copy of the transcript.
func (e *Engine) Messages() []Message {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript.Messages()
}

// Submit appends text as a user turn and dispatches it to the backend, blocking until
// the backend call finishes. Rejected submissions leave the transcript untouched.
//
// A failed dispatch keeps the user turn; a text stream that fails midway keeps whatever
// content arrived before the failure.
func (e *Engine) Submit(ctx context.Context, text string) error {
	if e == nil {
		return errors.New("nil engine")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(text) == "" {
		e.emit(Event{Type: EventNotice, Notice: ErrEmptyPrompt.Error()})
		return ErrEmptyPrompt
	}
	if !e.gate.TryAcquire(1) {
		e.emit(Event{Type: EventNotice, Notice: ErrBusy.Error()})
		return ErrBusy
	}
	defer e.gate.Release(1)

	e.mu.Lock()
	turns := e.transcript.UserTurns()
	if turns >= e.maxUserTurns {
		e.mu.Unlock()
		e.emit(Event{Type: EventNotice, Notice: ErrTurnLimit.Error()})
		return ErrTurnLimit
	}
	index := e.transcript.append(Message{Role: RoleUser, Content: text})
	userMsg := e.transcript.messages[index].clone()
	e.mu.Unlock()

	e.setBusy(true)
	defer e.setBusy(false)
	e.emit(Event{Type: EventMessageAppended, Index: index, Message: &userMsg})

	cmd := directive.Parse(text)
	e.log.Info("user turn accepted", "turn", turns+1, "max_turns", e.maxUserTurns, "kind", cmd.Kind)

	var err error
	if cmd.IsImage() {
		err = e.dispatchImages(ctx, text, cmd)
	} else {
		err = e.dispatchText(ctx)
	}
	if err != nil {
		e.log.Warn("user turn failed", "turn", turns+1, "kind", cmd.Kind, "error", err)
		e.emit(Event{Type: EventError, Index: index, Error: err.Error()})
	}
	return err
}

func (e *Engine) dispatchText(ctx context.Context) error {
	e.mu.Lock()
	req := backend.ChatRequest{Model: e.model, Messages: e.transcript.history()}
	e.mu.Unlock()

	body, err := e.backend.StreamChat(ctx, req)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	defer body.Close()

	assistant := -1
	text, err := stream.Consume(ctx, body, func(d stream.Delta) {
		assistant = e.applySnapshot(assistant, d.Snapshot)
	})
	if err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}
	if assistant < 0 {
		e.log.Warn("chat stream ended without content")
		return nil
	}
	e.log.Debug("chat stream complete", "index", assistant, "chars", len(text))
	return nil
}

// applySnapshot writes snapshot as the full content of the assistant entry at index,
// appending the entry first when index is negative. Content is always replaced, so
// applying the same snapshot twice leaves it unchanged. It returns the entry index.
func (e *Engine) applySnapshot(index int, snapshot string) int {
	e.mu.Lock()
	evType := EventMessageUpdated
	if index < 0 {
		index = e.transcript.append(Message{Role: RoleAssistant, Content: snapshot})
		evType = EventMessageAppended
	} else if err := e.transcript.replaceContent(index, snapshot); err != nil {
		e.mu.Unlock()
		e.log.Error("drop stream snapshot", "index", index, "error", err)
		return index
	}
	msg := e.transcript.messages[index].clone()
	e.mu.Unlock()

	e.emit(Event{Type: evType, Index: index, Message: &msg})
	return index
}

func (e *Engine) dispatchImages(ctx context.Context, prompt string, cmd directive.Command) error {
	req := backend.ImageRequest{
		Prompt:         prompt,
		Count:          cmd.Count,
		Size:           cmd.SizeOr(e.imageSize),
		ResponseFormat: string(cmd.Encoding),
	}
	results, err := e.backend.GenerateImages(ctx, req)
	if err != nil {
		return fmt.Errorf("image generation: %w", err)
	}

	e.mu.Lock()
	images := e.toArtifacts(results)
	if len(images) == 0 {
		e.mu.Unlock()
		return ErrNoImages
	}
	index := e.transcript.append(Message{Role: RoleAssistant, Images: images})
	msg := e.transcript.messages[index].clone()
	e.mu.Unlock()

	e.log.Info("images appended", "index", index, "requested", req.Count, "returned", len(images), "size", req.Size)
	e.emit(Event{Type: EventMessageAppended, Index: index, Message: &msg})
	return nil
}

// toArtifacts converts backend results into images unique within one message.
// Must be called with e.mu held.
func (e *Engine) toArtifacts(results []backend.Image) []Image {
	used := e.usedImageIDs()
	seen := make(map[string]struct{}, len(results))
	out := make([]Image, 0, len(results))
	for i, r := range results {
		rawURL := strings.TrimSpace(r.URL)
		payload := strings.TrimSpace(r.B64JSON)
		if rawURL == "" && payload == "" {
			e.log.Warn("skip image without url or payload", "position", i)
			continue
		}

		id := strings.TrimSpace(r.ID)
		if _, dup := seen[id]; id == "" || dup {
			fresh := uuid.NewString()
			e.log.Warn("replace missing or duplicate image id", "id", id, "replacement", fresh)
			id = fresh
		}
		seen[id] = struct{}{}
		if _, clash := used[id]; clash {
			e.log.Warn("image id already used by another message", "id", id)
		}

		locator := "data:image/png;base64," + payload
		if rawURL != "" {
			locator = withCacheBuster(rawURL, id)
		}
		out = append(out, Image{ID: id, Locator: locator})
	}
	return out
}

func (e *Engine) usedImageIDs() map[string]struct{} {
	used := make(map[string]struct{})
	for _, m := range e.transcript.messages {
		for _, img := range m.Images {
			used[img.ID] = struct{}{}
		}
	}
	return used
}

// withCacheBuster appends t=<id> so a rotating backend that reuses URLs still yields
// distinct cache entries per artifact. The existing query is left byte-for-byte intact.
func withCacheBuster(rawURL string, id string) string {
	param := "t=" + url.QueryEscape(id)
	u, err := url.Parse(rawURL)
	if err != nil {
		if strings.Contains(rawURL, "?") {
			return rawURL + "&" + param
		}
		return rawURL + "?" + param
	}
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String()
}

// OnArtifactInteraction rotates the image list of the message at messageIndex by one
// step. artifactID must name one of that message's images.
func (e *Engine) OnArtifactInteraction(messageIndex int, artifactID string) error {
	if e == nil {
		return errors.New("nil engine")
	}
	e.mu.Lock()
	msg, err := e.transcript.at(messageIndex)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !slices.ContainsFunc(msg.Images, func(img Image) bool { return img.ID == artifactID }) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q in message %d", ErrUnknownArtifact, artifactID, messageIndex)
	}
	msg.Images = Rotate(msg.Images)
	if err := e.transcript.replaceImages(messageIndex, msg.Images); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.emit(Event{Type: EventMessageUpdated, Index: messageIndex, Message: &msg})
	return nil
}

func (e *Engine) setBusy(busy bool) {
	if e.busy.Swap(busy) == busy {
		return
	}
	e.emit(Event{Type: EventBusyChanged, Busy: busy})
}

func (e *Engine) emit(ev Event) {
	if e.onEvent == nil {
		return
	}
	ev.Busy = e.Busy()
	ev.CanSubmit = e.CanSubmit()
	e.onEvent(ev)
}
