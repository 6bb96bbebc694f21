// Package moderation screens chat messages for blocked terms and spam
// patterns before they are stored.
package moderation

import (
	"strings"
	"unicode"
)

// Block reasons.
const (
	ReasonBlockedTerm = "blocked_term"
	ReasonSpam        = "spam_pattern"
)

// defaultTerms is the built-in blocklist used by NewFilter.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
}

// Result is the outcome of screening one message. Term names the blocklist
// entry or spam check that matched.
type Result struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter matches messages against a blocklist of words and phrases and a set
// of spam checks. It is immutable after construction and safe for concurrent
// use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // multi-word terms, space separated and lowercased
}

// NewFilter returns a filter using the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a filter blocking terms. Matching is
// case-insensitive and on whole words; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenize(term, false)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// Check screens text. Blocklist matches take precedence over spam checks.
func (f *Filter) Check(text string) Result {
	for _, leet := range []bool{false, true} {
		if term, ok := f.matchTerms(tokenize(text, leet)); ok {
			return Result{Blocked: true, Reason: ReasonBlockedTerm, Term: term}
		}
	}
	if name, ok := detectSpam(text); ok {
		return Result{Blocked: true, Reason: ReasonSpam, Term: name}
	}
	return Result{}
}

func (f *Filter) matchTerms(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, phrase := range f.phrases {
		if strings.Contains(joined, " "+phrase+" ") {
			return phrase, true
		}
	}
	return "", false
}

// leetMap undoes common character substitutions.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
}

// normalizeLeet lowercases s and replaces leetspeak substitutions.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return unicode.ToLower(r)
	}, s)
}

// tokenize splits s into lowercase words of letters and digits. With leet set,
// substitutions are undone first so "b4dw0rd" yields "badword".
func tokenize(s string, leet bool) []string {
	if leet {
		s = normalizeLeet(s)
	} else {
		s = strings.ToLower(s)
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
