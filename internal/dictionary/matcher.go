package dictionary

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Match is one hit of a known term inside scanned text.
type Match struct {
	Term    string // the normalized pattern that matched
	EntryID string
	Start   int // byte offset into the scanned (lower-cased) text
	End     int
}

// Matcher scans free text for any of a set of dictionary terms in one pass.
// It is an Aho–Corasick automaton over the lower-cased patterns with word
// boundary checks, so "red" does not fire inside "tired".
type Matcher struct {
	nodes []matcherNode
}

type matcherNode struct {
	next    map[rune]int
	fail    int
	outputs []output
}

type output struct {
	term     string
	entryIDs []string
	length   int // byte length of the pattern
}

// NewMatcher compiles patterns mapping normalized term -> entry ids.
func NewMatcher(patterns map[string][]string) *Matcher {
	m := &Matcher{nodes: []matcherNode{{next: map[rune]int{}}}}

	for term, ids := range patterns {
		if term == "" || len(ids) == 0 {
			continue
		}
		state := 0
		for _, r := range term {
			nextState, ok := m.nodes[state].next[r]
			if !ok {
				m.nodes = append(m.nodes, matcherNode{next: map[rune]int{}})
				nextState = len(m.nodes) - 1
				m.nodes[state].next[r] = nextState
			}
			state = nextState
		}
		m.nodes[state].outputs = append(m.nodes[state].outputs, output{
			term:     term,
			entryIDs: append([]string(nil), ids...),
			length:   len(term),
		})
	}

	// BFS to wire failure links.
	queue := make([]int, 0, len(m.nodes))
	for _, child := range m.nodes[0].next {
		m.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for r, child := range m.nodes[state].next {
			queue = append(queue, child)
			fail := m.nodes[state].fail
			for {
				if next, ok := m.nodes[fail].next[r]; ok && next != child {
					m.nodes[child].fail = next
					break
				}
				if fail == 0 {
					m.nodes[child].fail = 0
					break
				}
				fail = m.nodes[fail].fail
			}
			m.nodes[child].outputs = append(m.nodes[child].outputs,
				m.nodes[m.nodes[child].fail].outputs...)
		}
	}
	return m
}

// Scan lower-cases text and returns every word-bounded term occurrence.
func (m *Matcher) Scan(text string) []Match {
	lowered := strings.ToLower(text)
	var matches []Match

	state := 0
	for i, r := range lowered {
		for {
			if next, ok := m.nodes[state].next[r]; ok {
				state = next
				break
			}
			if state == 0 {
				break
			}
			state = m.nodes[state].fail
		}
		end := i + len(string(r))
		for _, out := range m.nodes[state].outputs {
			start := end - out.length
			if !wordBounded(lowered, start, end) {
				continue
			}
			for _, id := range out.entryIDs {
				matches = append(matches, Match{
					Term:    out.term,
					EntryID: id,
					Start:   start,
					End:     end,
				})
			}
		}
	}
	return matches
}

func wordBounded(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
