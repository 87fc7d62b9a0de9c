// Package filter implements the banned-term content filter: an
// Aho-Corasick multi-pattern matcher built once at startup, applied to
// every relayed text message.
package filter

import (
	"log/slog"
	"strings"
)

// maskRune replaces each code point of a matched term.
const maskRune = '*'

// truncationMarker is appended when a message exceeds the length cap.
const truncationMarker = "..."

var separatorStripper = strings.NewReplacer(" ", "", "-", "", "_", "")

// Filter masks banned terms in message bodies. Construction registers
// every term plus a separator-stripped variant of it, to catch simple
// obfuscation like "b a d-w_o r d".
type Filter struct {
	auto *automaton
}

// New builds a filter over the given banned terms. The term list is fixed
// for the lifetime of the filter.
func New(terms []string) *Filter {
	auto := newAutomaton()
	for _, term := range terms {
		auto.Add(term)
		if normalized := separatorStripper.Replace(term); normalized != term {
			auto.Add(normalized)
		}
	}
	auto.Build()
	return &Filter{auto: auto}
}

// Apply truncates msg to maxLen runes (maxLen <= 0 disables truncation)
// and masks every banned-term occurrence found in the raw text.
//
// A second scan runs on a separator-stripped copy of the message. Matches
// found only there are detected but deliberately not masked: the stripped
// offsets do not map back onto the original text. They are logged so
// operators can see attempted obfuscation.
func (f *Filter) Apply(msg string, maxLen int) string {
	runes := []rune(msg)
	if maxLen > 0 && len(runes) > maxLen {
		runes = append(runes[:maxLen:maxLen], []rune(truncationMarker)...)
		msg = string(runes)
	}

	matches := f.auto.Scan(msg)
	for _, m := range matches {
		for i := m.Start; i < m.End && i < len(runes); i++ {
			runes[i] = maskRune
		}
	}

	if normalized := separatorStripper.Replace(msg); normalized != msg {
		if hidden := f.auto.Scan(normalized); len(matches) == 0 && len(hidden) > 0 {
			slog.Debug("obfuscated banned term detected", "terms", len(hidden))
		}
	}

	if len(matches) == 0 {
		return msg
	}
	return string(runes)
}
