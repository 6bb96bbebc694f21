package moderation

import (
	"regexp"
	"strings"
)

var (
	// urlPattern matches scheme and www URLs plus bare domains followed by a
	// path. Requiring the "/" keeps "v2.0" and "3.14" clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches phone numbers such as +1-555-123-4567,
	// (555) 123-4567 and 555.123.4567 standing as their own token.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row
)

// spamChecks are applied in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// detectSpam returns the name of the first spam check text fails.
func detectSpam(text string) (string, bool) {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return sc.name, true
		}
	}
	return "", false
}

func hasCharFlood(text string) bool {
	run, prev := 0, rune(-1)
	for _, r := range text {
		if r != prev {
			run, prev = 0, r
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood compares whitespace-separated words case-insensitively.
func hasWordFlood(text string) bool {
	run, prev := 0, ""
	for _, w := range strings.Fields(text) {
		w = strings.ToLower(w)
		if w != prev {
			run, prev = 0, w
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}
