package main

import (
	"testing"

	"github.com/whisper/livechat/internal/protocol"
)

func msgs(texts ...string) []protocol.Message {
	out := make([]protocol.Message, len(texts))
	for i, t := range texts {
		out[i] = protocol.Message{Author: "a", Text: t}
	}
	return out
}

func TestUnseen(t *testing.T) {
	tests := []struct {
		name          string
		shown, next   []protocol.Message
		wantStart     int
		wantContinued bool
	}{
		{"first snapshot", nil, msgs("1", "2"), 0, true},
		{"appended", msgs("1", "2"), msgs("1", "2", "3"), 2, true},
		{"unchanged", msgs("1", "2"), msgs("1", "2"), 2, true},
		{"trimmed and appended", msgs("1", "2", "3"), msgs("2", "3", "4"), 2, true},
		{"unrelated", msgs("1", "2"), msgs("x", "y"), 0, false},
		{"emptied", msgs("1"), msgs(), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, continued := unseen(tt.shown, tt.next)
			if start != tt.wantStart || continued != tt.wantContinued {
				t.Errorf("unseen() = (%d, %v), want (%d, %v)", start, continued, tt.wantStart, tt.wantContinued)
			}
		})
	}
}
