package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/floegence/drawchat/internal/backend"
	"github.com/floegence/drawchat/internal/config"
)

type scriptedBackend struct {
	reply  string
	images []backend.Image
}

func (b *scriptedBackend) StreamChat(context.Context, backend.ChatRequest) (io.ReadCloser, error) {
	body := `data: {"choices":[{"delta":{"content":"` + b.reply + `"}}]}` + "\n" + "data: [DONE]\n"
	return io.NopCloser(strings.NewReader(body)), nil
}

func (b *scriptedBackend) GenerateImages(context.Context, backend.ImageRequest) ([]backend.Image, error) {
	return b.images, nil
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want replLine
	}{
		{"hello there", replLine{kind: linePrompt, prompt: "hello there"}},
		{"", replLine{kind: linePrompt, prompt: ""}},
		{"/quit", replLine{kind: lineQuit}},
		{"  /EXIT ", replLine{kind: lineQuit}},
		{"/history", replLine{kind: lineHistory}},
		{"/help", replLine{kind: lineHelp}},
		{"/next 4", replLine{kind: lineNext, index: 4}},
		{"/next 4 img-b", replLine{kind: lineNext, index: 4, artifact: "img-b"}},
	}
	for _, tc := range cases {
		if got := parseLine(tc.in); got != tc.want {
			t.Fatalf("parseLine(%q) got=%+v want=%+v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"/next", "/next x", "/next -1", "/next 1 2 3", "/draw"} {
		if got := parseLine(bad); got.kind != lineInvalid || got.problem == "" {
			t.Fatalf("parseLine(%q) got=%+v, want invalid", bad, got)
		}
	}
}

func TestRunREPL_Session(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := newTextRenderer(&out)
	fb := &scriptedBackend{
		reply: "Hello in rhyme, right on time",
		images: []backend.Image{
			{ID: "img-a", URL: "https://img.example/a.png"},
			{ID: "img-b", B64JSON: strings.Repeat("A", 4096)},
		},
	}
	eng, err := newEngine(&config.Config{}, fb, nil, r.handle)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}

	in := strings.NewReader("hello\ndraw 2 cats\n/next 4\n/next 1\n/history\n/quit\nnever sent\n")
	if err := runREPL(context.Background(), eng, in, r, nil); err != nil {
		t.Fatalf("runREPL: %v", err)
	}

	if got := eng.UserTurns(); got != 2 {
		t.Fatalf("UserTurns=%d, want 2", got)
	}
	msgs := eng.Messages()
	if ids := []string{msgs[4].Images[0].ID, msgs[4].Images[1].ID}; ids[0] != "img-b" || ids[1] != "img-a" {
		t.Fatalf("carousel not rotated: %v", ids)
	}

	text := out.String()
	for _, want := range []string{
		"assistant> Hello in rhyme, right on time\n",
		"images #4:\n",
		"https://img.example/a.png?t=img-a",
		"inline image/png, 3.1 kB",
		"message #1 has no images",
		"#1 user: hello",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "never sent") {
		t.Fatalf("input after /quit was processed:\n%s", text)
	}
}

func TestRunREPL_TurnLimitStillAllowsCommands(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := newTextRenderer(&out)
	turns := 1
	eng, err := newEngine(&config.Config{Chat: &config.ChatConfig{MaxUserTurns: &turns}}, &scriptedBackend{reply: "ok"}, nil, r.handle)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}

	in := strings.NewReader("first\nsecond\n/history\n")
	if err := runREPL(context.Background(), eng, in, r, nil); err != nil {
		t.Fatalf("runREPL: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "! prompt limit reached") || !strings.Contains(text, "! user turn limit reached") {
		t.Fatalf("limit not reported:\n%s", text)
	}
	if !strings.Contains(text, "#1 user: first") || strings.Contains(text, "user: second") {
		t.Fatalf("history wrong:\n%s", text)
	}
}

func TestRunREPL_CancelledContext(t *testing.T) {
	t.Parallel()

	r := newTextRenderer(io.Discard)
	eng, err := newEngine(&config.Config{}, &scriptedBackend{reply: "ok"}, nil, r.handle)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runREPL(ctx, eng, pr, r, nil); err != nil {
		t.Fatalf("runREPL: %v", err)
	}
}

func TestRotate_ExplicitArtifact(t *testing.T) {
	t.Parallel()

	fb := &scriptedBackend{images: []backend.Image{
		{ID: "a", URL: "https://img.example/a.png"},
		{ID: "b", URL: "https://img.example/b.png"},
	}}
	eng, err := newEngine(&config.Config{}, fb, nil, nil)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	if err := eng.Submit(context.Background(), "draw 2"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := rotate(eng, 2, "b"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := rotate(eng, 2, "zzz"); err == nil {
		t.Fatalf("expected error for unknown artifact")
	}
	if err := rotate(eng, 9, ""); err == nil {
		t.Fatalf("expected error for missing message")
	}
}
