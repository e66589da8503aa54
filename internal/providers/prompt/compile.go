// Package prompt turns free text with inline "@N" image references into
// the ordered text/image segments a Seedance draft expects.
package prompt

import (
	"regexp"
	"strconv"
	"strings"
)

// PlaceholderPattern matches "@1", "@图2" and "@image3" in any letter case.
const PlaceholderPattern = `(?i)@(?:图|image)?(\d+)`

var placeholderRE = regexp.MustCompile(PlaceholderPattern)

// Kind tags a Segment.
type Kind int

const (
	KindText Kind = iota
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "text"
}

// Segment is either a piece of text or a reference to an uploaded image
// by its 0-based material index.
type Segment struct {
	Kind  Kind
	Text  string
	Index int
}

// Text builds a text segment.
func Text(s string) Segment { return Segment{Kind: KindText, Text: s} }

// Image builds an image reference segment.
func Image(idx int) Segment { return Segment{Kind: KindImage, Index: idx} }

// Compile splits prompt around its placeholders. References outside
// [0, imageCount) are dropped while the surrounding text is kept. A prompt
// without placeholders, or one that yields no segments, gets a default
// sequence referencing every image followed by the prompt.
func Compile(prompt string, imageCount int) []Segment {
	matches := placeholderRE.FindAllStringSubmatchIndex(prompt, -1)
	if len(matches) == 0 && imageCount > 0 {
		return fallback(prompt, imageCount)
	}
	var out []Segment
	last := 0
	for _, m := range matches {
		if m[0] > last {
			out = appendText(out, prompt[last:m[0]])
		}
		n, err := strconv.Atoi(prompt[m[2]:m[3]])
		if idx := n - 1; err == nil && idx >= 0 && idx < imageCount {
			out = append(out, Image(idx))
		}
		last = m[1]
	}
	if last < len(prompt) {
		out = appendText(out, prompt[last:])
	}
	if len(out) > 0 {
		return out
	}
	return fallback(prompt, imageCount)
}

func appendText(out []Segment, s string) []Segment {
	if strings.TrimSpace(s) == "" {
		return out
	}
	return append(out, Text(s))
}

func fallback(prompt string, imageCount int) []Segment {
	out := make([]Segment, 0, imageCount*2+1)
	for i := 0; i < imageCount; i++ {
		if i == 0 {
			out = append(out, Text("使用"))
		}
		out = append(out, Image(i))
		if i < imageCount-1 {
			out = append(out, Text("和"))
		}
	}
	if strings.TrimSpace(prompt) != "" {
		return append(out, Text("图片，"+prompt))
	}
	return append(out, Text("图片生成视频"))
}
