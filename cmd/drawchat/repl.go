package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/floegence/drawchat/internal/conversation"
)

type chatSession interface {
	Submit(ctx context.Context, text string) error
	Messages() []conversation.Message
	OnArtifactInteraction(messageIndex int, artifactID string) error
}

type lineKind int

const (
	linePrompt lineKind = iota
	lineNext
	lineHistory
	lineHelp
	lineQuit
	lineInvalid
)

type replLine struct {
	kind     lineKind
	prompt   string
	index    int
	artifact string
	problem  string
}

const helpText = `commands:
  /next N [ID]  show the next image of message N (ID defaults to the image in front)
  /history      print the conversation so far
  /quit         leave
anything else is sent as a prompt; prompts containing "draw" generate images`

func parseLine(raw string) replLine {
	line := strings.TrimSpace(raw)
	if !strings.HasPrefix(line, "/") {
		return replLine{kind: linePrompt, prompt: raw}
	}
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		return replLine{kind: lineQuit}
	case "/history":
		return replLine{kind: lineHistory}
	case "/help", "/?":
		return replLine{kind: lineHelp}
	case "/next":
		if len(fields) < 2 || len(fields) > 3 {
			return replLine{kind: lineInvalid, problem: "usage: /next N [ID]"}
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return replLine{kind: lineInvalid, problem: fmt.Sprintf("not a message number: %q", fields[1])}
		}
		out := replLine{kind: lineNext, index: n}
		if len(fields) == 3 {
			out.artifact = fields[2]
		}
		return out
	default:
		return replLine{kind: lineInvalid, problem: fmt.Sprintf("unknown command %s (try /help)", fields[0])}
	}
}

// runREPL reads lines from in until EOF, /quit or cancellation of ctx. Prompt and
// rotation failures are reported through r and do not end the loop.
func runREPL(ctx context.Context, sess chatSession, in io.Reader, r renderer, promptOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		if promptOut != nil {
			fmt.Fprint(promptOut, "you> ")
		}
		var raw string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			raw = l
		}

		line := parseLine(raw)
		switch line.kind {
		case lineQuit:
			return nil
		case lineHelp:
			r.info(helpText)
		case lineHistory:
			r.history(sess.Messages())
		case lineInvalid:
			r.info(line.problem)
		case lineNext:
			if err := rotate(sess, line.index, line.artifact); err != nil {
				r.info(err.Error())
			}
		case linePrompt:
			err := sess.Submit(ctx, line.prompt)
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
		}
	}
}

// rotate advances the carousel of message index. Without an explicit artifact the
// image currently in front is the one interacted with.
func rotate(sess chatSession, index int, artifact string) error {
	if artifact == "" {
		msgs := sess.Messages()
		if index >= len(msgs) {
			return fmt.Errorf("no message #%d", index)
		}
		if !msgs[index].HasImages() {
			return fmt.Errorf("message #%d has no images", index)
		}
		artifact = msgs[index].Images[0].ID
	}
	return sess.OnArtifactInteraction(index, artifact)
}
