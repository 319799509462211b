package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func dataLine(content string) string {
	return `data: {"choices":[{"delta":{"content":` + quote(content) + `}}]}` + "\n"
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func TestAggregatorFeed_SplitMidPayload(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	deltas, err := agg.Feed([]byte(`data: {"choices":[{"delta":{"content":"Hel`))
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("first chunk produced %d deltas, want 0", len(deltas))
	}

	deltas, err = agg.Feed([]byte("lo\"}}]}\n"))
	if err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Fragment != "Hello" || deltas[0].Snapshot != "Hello" {
		t.Fatalf("deltas=%+v, want one Hello delta", deltas)
	}
	if got := agg.Text(); got != "Hello" {
		t.Fatalf("Text got=%q want=%q", got, "Hello")
	}
}

func TestAggregatorFinish_IncompletePayloadFails(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	if _, err := agg.Feed([]byte(dataLine("Hi "))); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := agg.Feed([]byte(`data: {"choices":[{"delta":{"content":"Hel`)); err != nil {
		t.Fatalf("feed partial: %v", err)
	}
	_, err := agg.Finish()
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("Finish err=%v, want ErrMalformedPayload", err)
	}
	if got := agg.Text(); got != "Hi " {
		t.Fatalf("Text after failure got=%q want=%q", got, "Hi ")
	}
}

func TestAggregatorFinish_DecodesUnterminatedCompleteLine(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	if _, err := agg.Feed([]byte(strings.TrimSuffix(dataLine("tail"), "\n"))); err != nil {
		t.Fatalf("feed: %v", err)
	}
	deltas, err := agg.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Snapshot != "tail" {
		t.Fatalf("deltas=%+v, want tail", deltas)
	}
}

func TestAggregatorFeed_IgnoresNonDataLines(t *testing.T) {
	t.Parallel()

	body := ": keep-alive\n\nevent: message\n" + dataLine("a") + "id: 7\n" + dataLine("b")
	agg := NewAggregator()
	deltas, err := agg.Feed([]byte(body))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	if deltas[0].Snapshot != "a" || deltas[1].Snapshot != "ab" {
		t.Fatalf("snapshots=%q,%q want a,ab", deltas[0].Snapshot, deltas[1].Snapshot)
	}
}

func TestAggregatorFeed_AbsentFragmentContributesNothing(t *testing.T) {
	t.Parallel()

	body := `data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n" +
		`data: {"choices":[]}` + "\n" +
		`data: {"choices":[{"delta":{"content":""}}]}` + "\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n"
	agg := NewAggregator()
	deltas, err := agg.Feed([]byte(body))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(deltas) != 0 || agg.Text() != "" {
		t.Fatalf("deltas=%+v text=%q, want none", deltas, agg.Text())
	}
}

func TestAggregatorFeed_MalformedLineStopsStream(t *testing.T) {
	t.Parallel()

	body := dataLine("ok") + "data: {not json}\n" + dataLine("never")
	agg := NewAggregator()
	deltas, err := agg.Feed([]byte(body))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err=%v, want ErrMalformedPayload", err)
	}
	if len(deltas) != 1 || deltas[0].Snapshot != "ok" {
		t.Fatalf("deltas=%+v, want the delta before the bad line", deltas)
	}
	if _, err := agg.Feed([]byte(dataLine("more"))); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("feed after failure err=%v, want sticky ErrMalformedPayload", err)
	}
	if agg.Text() != "ok" {
		t.Fatalf("Text got=%q want ok", agg.Text())
	}
}

func TestAggregatorFeed_DoneMarkerEndsStream(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	deltas, err := agg.Feed([]byte(dataLine("x") + "data: [DONE]\n" + dataLine("y")))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(deltas) != 1 || !agg.Done() {
		t.Fatalf("deltas=%+v done=%v, want 1 delta and done", deltas, agg.Done())
	}
	if agg.Text() != "x" {
		t.Fatalf("Text got=%q want x", agg.Text())
	}
}

func TestAggregatorFeed_CRLFLines(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	body := strings.ReplaceAll(dataLine("a")+dataLine("b"), "\n", "\r\n")
	if _, err := agg.Feed([]byte(body)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if agg.Text() != "ab" {
		t.Fatalf("Text got=%q want ab", agg.Text())
	}
}

func TestConsume_OneByteChunksKeepMultiByteRunes(t *testing.T) {
	t.Parallel()

	want := "héllo 世界 🎨 rhymes"
	var body strings.Builder
	for _, r := range want {
		body.WriteString(dataLine(string(r)))
	}

	var snapshots []string
	got, err := Consume(context.Background(), iotest.OneByteReader(strings.NewReader(body.String())), func(d Delta) {
		snapshots = append(snapshots, d.Snapshot)
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got != want {
		t.Fatalf("Consume got=%q want=%q", got, want)
	}
	if len(snapshots) != len([]rune(want)) {
		t.Fatalf("got %d snapshots, want %d", len(snapshots), len([]rune(want)))
	}
	for i := 1; i < len(snapshots); i++ {
		if !strings.HasPrefix(snapshots[i], snapshots[i-1]) {
			t.Fatalf("snapshot %d=%q does not extend %q", i, snapshots[i], snapshots[i-1])
		}
	}
}

func TestConsume_SplitInsideMultiByteRune(t *testing.T) {
	t.Parallel()

	line := dataLine("世界")
	cut := strings.Index(line, "世") + 1
	r := io.MultiReader(
		iotest.HalfReader(strings.NewReader(line[:cut])),
		strings.NewReader(line[cut:]),
	)
	got, err := Consume(context.Background(), r, nil)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got != "世界" {
		t.Fatalf("Consume got=%q want=%q", got, "世界")
	}
}

func TestConsume_TransportErrorKeepsPartialText(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(dataLine("par")+dataLine("tial")), iotest.ErrReader(boom))
	got, err := Consume(context.Background(), r, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if got != "partial" {
		t.Fatalf("Consume got=%q want partial", got)
	}
}

func TestConsume_CanceledContextStopsReading(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		_, _ = io.WriteString(pw, dataLine("first"))
		cancel()
		_ = pw.CloseWithError(context.Canceled)
	}()

	got, err := Consume(ctx, pr, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if got != "first" {
		t.Fatalf("Consume got=%q want first", got)
	}
}

func TestDeltas_BreakStopsReading(t *testing.T) {
	t.Parallel()

	body := dataLine("a") + dataLine("b") + dataLine("c")
	agg := NewAggregator()
	var seen []string
	for d, err := range Deltas(context.Background(), strings.NewReader(body), agg) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen = append(seen, d.Fragment)
		if len(seen) == 2 {
			break
		}
	}
	if strings.Join(seen, "") != "ab" {
		t.Fatalf("seen=%v, want [a b]", seen)
	}
}

func TestConsume_EmptyBody(t *testing.T) {
	t.Parallel()

	got, err := Consume(context.Background(), strings.NewReader(""), nil)
	if err != nil || got != "" {
		t.Fatalf("Consume got=%q err=%v, want empty/nil", got, err)
	}
}
