// Package voicetext shortens completion text so it can be spoken.
//
// Replies meant for speech keep only the first sentences, drop markdown
// and links, and stay under a word budget.
package voicetext

import (
	"regexp"
	"strings"
)

// Limits bound a spoken reply.
type Limits struct {
	// MaxSentences is the number of sentences kept.
	MaxSentences int

	// MaxWords caps the total word count.
	MaxWords int

	// StopWords is the streamed word count at which reading can stop.
	StopWords int
}

// DefaultLimits keeps two sentences and fifty words, and stops
// streaming at sixty words.
func DefaultLimits() Limits {
	return Limits{MaxSentences: 2, MaxWords: 50, StopWords: 60}
}

var (
	boldRe     = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe   = regexp.MustCompile(`\*([^*]+)\*`)
	linkRe     = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	urlRe      = regexp.MustCompile(`https?://\S+`)
	wwwRe      = regexp.MustCompile(`www\.\S+`)
	headerRe   = regexp.MustCompile(`#+\s`)
	spaceRe    = regexp.MustCompile(`\s+`)
	sentenceRe = regexp.MustCompile(`[.!?]+`)
	markdownRe = regexp.MustCompile("(?m)(\\*\\*|__|^#{1,6}\\s|\\[[^\\]]+\\]\\([^)]+\\)|^\\s*[-*]\\s|`)")
)

// StripMarkdown removes emphasis, links (keeping their text), bare URLs
// and headers, and collapses whitespace.
func StripMarkdown(text string) string {
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1")
	text = urlRe.ReplaceAllString(text, "")
	text = wwwRe.ReplaceAllString(text, "")
	text = headerRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// IsMarkdown reports whether text carries markdown formatting.
func IsMarkdown(text string) bool {
	return markdownRe.MatchString(text)
}

// Sentences splits cleaned text on runs of sentence terminators.
func Sentences(text string) []string {
	var out []string
	for _, s := range split(text) {
		out = append(out, s.text)
	}
	return out
}

type sentence struct {
	text string
	end  string
}

func split(text string) []sentence {
	var out []sentence
	add := func(body, end string) {
		if body = strings.TrimSpace(body); body != "" {
			out = append(out, sentence{text: body, end: end})
		}
	}
	start := 0
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		add(text[start:loc[0]], text[loc[0]:loc[1]])
		start = loc[1]
	}
	add(text[start:], "")
	return out
}

// Truncate returns at most l.MaxSentences sentences and l.MaxWords words
// of text. Sentences keep their own terminator; an unterminated last
// sentence gets a period. A first sentence that alone exceeds the word
// cap is cut at the cap.
func Truncate(text string, l Limits) string {
	var (
		kept  []string
		total int
	)
	for _, s := range split(StripMarkdown(text)) {
		if l.MaxSentences > 0 && len(kept) >= l.MaxSentences {
			break
		}
		words := strings.Fields(s.text)
		if l.MaxWords > 0 && total+len(words) > l.MaxWords {
			if len(kept) == 0 {
				kept = append(kept, strings.Join(words[:l.MaxWords], " ")+".")
			}
			break
		}
		end := s.end
		if end == "" {
			end = "."
		}
		kept = append(kept, s.text+end)
		total += len(words)
	}
	return strings.Join(kept, " ")
}

// Enough reports whether streamed text already holds what Truncate keeps:
// MaxSentences terminated sentences or StopWords words.
func (l Limits) Enough(text string) bool {
	if l.StopWords > 0 && len(strings.Fields(text)) >= l.StopWords {
		return true
	}
	if l.MaxSentences <= 0 {
		return false
	}
	return len(sentenceRe.FindAllStringIndex(StripMarkdown(text), -1)) >= l.MaxSentences
}

// Clip shortens s to at most n runes.
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
