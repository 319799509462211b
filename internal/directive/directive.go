// Package directive classifies a raw user prompt into the backend call it asks for.
//
// Classification is loose: every extractor runs on its own over the whole
// prompt, and anything missing falls back to a default instead of failing.
package directive

import (
	"regexp"
	"strconv"
	"strings"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Encoding is the artifact format requested from the image backend.
// Values match the wire field response_format.
type Encoding string

const (
	EncodingURL    Encoding = "url"
	EncodingBase64 Encoding = "b64_json"
)

const (
	DefaultCount = 1
	DefaultSize  = "256x256"

	imageKeyword  = "draw"
	base64Keyword = "base64"
)

var (
	countPattern      = regexp.MustCompile(`(?i)draw (\d+)`)
	sizePattern       = regexp.MustCompile(`(?i)with size (\d+)x(\d+)`)
	sizeWordsPattern  = regexp.MustCompile(`(?i)with size (\d+p?x?) by (\d+p?x?)`)
	dimensionSuffixes = "pPxX"
)

// Size is a requested image size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// Command is the parsed form of one user turn.
// Count, Size and Encoding are only meaningful for KindImage.
type Command struct {
	Kind     Kind
	Count    int
	Size     *Size
	Encoding Encoding
}

func (c Command) IsImage() bool { return c.Kind == KindImage }

// SizeOr returns the requested size as "WxH", or def when the prompt did not name one.
func (c Command) SizeOr(def string) string {
	if c.Size == nil {
		return def
	}
	return c.Size.String()
}

// Parse inspects prompt and returns the command it describes. It never fails.
func Parse(prompt string) Command {
	if !strings.Contains(strings.ToLower(prompt), imageKeyword) {
		return Command{Kind: KindText}
	}
	return Command{
		Kind:     KindImage,
		Count:    parseCount(prompt),
		Size:     parseSize(prompt),
		Encoding: parseEncoding(prompt),
	}
}

func parseCount(prompt string) int {
	m := countPattern.FindStringSubmatch(prompt)
	if m == nil {
		return DefaultCount
	}
	n, ok := positiveInt(m[1])
	if !ok {
		return DefaultCount
	}
	return n
}

func parseSize(prompt string) *Size {
	if m := sizePattern.FindStringSubmatch(prompt); m != nil {
		return newSize(m[1], m[2])
	}
	m := sizeWordsPattern.FindStringSubmatch(prompt)
	if m == nil {
		return nil
	}
	// "200p by 300p" style: the unit suffixes carry no meaning.
	return newSize(strings.TrimRight(m[1], dimensionSuffixes), strings.TrimRight(m[2], dimensionSuffixes))
}

func newSize(rawW string, rawH string) *Size {
	w, okW := positiveInt(rawW)
	h, okH := positiveInt(rawH)
	if !okW || !okH {
		return nil
	}
	return &Size{Width: w, Height: h}
}

func parseEncoding(prompt string) Encoding {
	if strings.Contains(strings.ToLower(prompt), base64Keyword) {
		return EncodingBase64
	}
	return EncodingURL
}

func positiveInt(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
