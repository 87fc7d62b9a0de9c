package filter

import "unicode/utf8"

// Match is one pattern occurrence, in rune offsets: [Start, End).
type Match struct {
	Start int
	End   int
	Term  string
}

// automaton is a classic Aho-Corasick automaton over runes. Build must be
// called after the last Add and before the first Scan.
type automaton struct {
	next []map[rune]int
	fail []int
	out  [][]string
}

func newAutomaton() *automaton {
	return &automaton{
		next: []map[rune]int{{}},
		fail: []int{0},
		out:  [][]string{nil},
	}
}

// Add inserts one pattern into the trie.
func (a *automaton) Add(term string) {
	if term == "" {
		return
	}
	state := 0
	for _, r := range term {
		nxt, ok := a.next[state][r]
		if !ok {
			nxt = len(a.next)
			a.next = append(a.next, map[rune]int{})
			a.fail = append(a.fail, 0)
			a.out = append(a.out, nil)
			a.next[state][r] = nxt
		}
		state = nxt
	}
	a.out[state] = append(a.out[state], term)
}

// Build computes failure links breadth-first and propagates output sets
// through them, so every state knows the full set of matches ending there.
func (a *automaton) Build() {
	queue := make([]int, 0, len(a.next))
	for _, state := range a.next[0] {
		a.fail[state] = 0
		queue = append(queue, state)
	}

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for r, state := range a.next[curr] {
			queue = append(queue, state)
			f := a.fail[curr]
			for f != 0 {
				if _, ok := a.next[f][r]; ok {
					break
				}
				f = a.fail[f]
			}
			if nxt, ok := a.next[f][r]; ok && nxt != state {
				a.fail[state] = nxt
			} else {
				a.fail[state] = 0
			}
			a.out[state] = append(a.out[state], a.out[a.fail[state]]...)
		}
	}
}

// Scan emits every pattern occurrence in text in a single left-to-right
// pass, in O(len(text) + total matches).
func (a *automaton) Scan(text string) []Match {
	var matches []Match
	state := 0
	i := 0
	for _, r := range text {
		for state != 0 {
			if _, ok := a.next[state][r]; ok {
				break
			}
			state = a.fail[state]
		}
		state = a.next[state][r] // zero value 0 when absent at root
		for _, term := range a.out[state] {
			n := utf8.RuneCountInString(term)
			matches = append(matches, Match{Start: i - n + 1, End: i + 1, Term: term})
		}
		i++
	}
	return matches
}
