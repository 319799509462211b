// Package stream decodes a chunked chat-completion event stream into text deltas.
//
// The wire format is the OpenAI-style server-sent event body: newline-delimited lines,
// of which only those starting with "data:" carry a JSON payload. Chunk boundaries are
// arbitrary, so the aggregator buffers the unterminated tail of every chunk and only
// decodes complete lines.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is returned when a data line does not hold valid JSON.
// The stream stops at that line; text accumulated before it stays valid.
var ErrMalformedPayload = errors.New("malformed stream payload")

const (
	dataPrefix  = "data:"
	doneMarker  = "[DONE]"
	contentPath = "choices.0.delta.content"

	readChunkSize     = 4 << 10
	maxPayloadPreview = 120
)

// Delta is one text fragment and the full text accumulated up to and including it.
type Delta struct {
	Fragment string
	Snapshot string
}

// Aggregator accumulates the text of one streamed response. It is not safe for
// concurrent use; a stream is consumed by a single reader in arrival order.
type Aggregator struct {
	pending []byte
	text    strings.Builder
	done    bool
	err     error
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Text returns everything accumulated so far.
func (a *Aggregator) Text() string {
	if a == nil {
		return ""
	}
	return a.text.String()
}

// Done reports whether a terminal marker or a decode failure ended the stream.
func (a *Aggregator) Done() bool {
	return a != nil && (a.done || a.err != nil)
}

// Feed consumes one transport chunk and returns the deltas of every line it completed.
// After an error or a [DONE] marker further chunks are ignored.
func (a *Aggregator) Feed(chunk []byte) ([]Delta, error) {
	if a == nil {
		return nil, errors.New("nil aggregator")
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.done || len(chunk) == 0 {
		return nil, nil
	}
	a.pending = append(a.pending, chunk...)

	var out []Delta
	for !a.done {
		i := bytes.IndexByte(a.pending, '\n')
		if i < 0 {
			break
		}
		line := a.pending[:i]
		d, ok, err := a.decodeLine(line)
		a.pending = a.pending[i+1:]
		if err != nil {
			a.err = err
			return out, err
		}
		if ok {
			out = append(out, d)
		}
	}
	if len(a.pending) == 0 {
		a.pending = nil
	}
	return out, nil
}

// Finish decodes an unterminated trailing line left over when the transport closed.
// A trailing data line that is not valid JSON fails the stream instead of being dropped.
func (a *Aggregator) Finish() ([]Delta, error) {
	if a == nil {
		return nil, errors.New("nil aggregator")
	}
	if a.err != nil {
		return nil, a.err
	}
	tail := a.pending
	a.pending = nil
	if a.done || len(bytes.TrimSpace(tail)) == 0 {
		a.done = true
		return nil, nil
	}
	d, ok, err := a.decodeLine(tail)
	a.done = true
	if err != nil {
		a.err = err
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []Delta{d}, nil
}

func (a *Aggregator) decodeLine(line []byte) (Delta, bool, error) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Delta{}, false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneMarker {
		a.done = true
		return Delta{}, false, nil
	}
	if !gjson.ValidBytes(payload) {
		return Delta{}, false, fmt.Errorf("%w: %q", ErrMalformedPayload, preview(payload))
	}
	fragment := gjson.GetBytes(payload, contentPath)
	if fragment.Type != gjson.String || fragment.Str == "" {
		return Delta{}, false, nil
	}
	a.text.WriteString(fragment.Str)
	return Delta{Fragment: fragment.Str, Snapshot: a.text.String()}, true, nil
}

// Consume reads r chunk by chunk until EOF, a [DONE] marker, a decode failure or
// cancellation of ctx, calling onDelta for every non-empty fragment in arrival order.
// It returns the accumulated text in every case, alongside the terminating error.
func Consume(ctx context.Context, r io.Reader, onDelta func(Delta)) (string, error) {
	agg := NewAggregator()
	for d, err := range Deltas(ctx, r, agg) {
		if err != nil {
			return agg.Text(), err
		}
		if onDelta != nil {
			onDelta(d)
		}
	}
	return agg.Text(), nil
}

// Deltas returns a lazy sequence of the deltas decoded from r. Reading starts when the
// sequence is ranged over and stops when the consumer breaks out of the loop. A
// terminating error is yielded once as the last element. When agg is nil a fresh
// aggregator is used.
func Deltas(ctx context.Context, r io.Reader, agg *Aggregator) iter.Seq2[Delta, error] {
	if ctx == nil {
		ctx = context.Background()
	}
	if agg == nil {
		agg = NewAggregator()
	}
	return func(yield func(Delta, error) bool) {
		if r == nil {
			yield(Delta{}, errors.New("nil stream body"))
			return
		}
		buf := make([]byte, readChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(Delta{}, err)
				return
			}
			n, readErr := r.Read(buf)
			if n > 0 {
				deltas, err := agg.Feed(buf[:n])
				for _, d := range deltas {
					if !yield(d, nil) {
						return
					}
				}
				if err != nil {
					yield(Delta{}, err)
					return
				}
				if agg.Done() {
					return
				}
			}
			if readErr == nil {
				continue
			}
			if !errors.Is(readErr, io.EOF) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					readErr = ctxErr
				}
				yield(Delta{}, readErr)
				return
			}
			deltas, err := agg.Finish()
			for _, d := range deltas {
				if !yield(d, nil) {
					return
				}
			}
			if err != nil {
				yield(Delta{}, err)
			}
			return
		}
	}
}

func preview(b []byte) string {
	s := string(b)
	if len(s) <= maxPayloadPreview {
		return s
	}
	return s[:maxPayloadPreview] + "..."
}
