package dictionary

import (
	"reflect"
	"testing"
)

func TestMatcherFindsTerms(t *testing.T) {
	m := NewMatcher(map[string][]string{
		"piston":        {"def-1"},
		"sticky piston": {"def-2"},
		"observer":      {"def-3"},
	})

	matches := m.Scan("Place a Sticky Piston facing the observer.")

	var found []string
	for _, match := range matches {
		found = append(found, match.Term)
	}
	want := map[string]bool{"piston": true, "sticky piston": true, "observer": true}
	for _, term := range found {
		if !want[term] {
			t.Fatalf("unexpected term %q in %v", term, found)
		}
		delete(want, term)
	}
	if len(want) != 0 {
		t.Fatalf("missing terms %v, found %v", want, found)
	}
}

func TestMatcherWordBoundaries(t *testing.T) {
	m := NewMatcher(map[string][]string{"red": {"def-red"}})

	if got := m.Scan("I am tired of bored redstone"); len(got) != 0 {
		t.Fatalf("expected no matches inside words, got %v", got)
	}
	if got := m.Scan("the red door"); len(got) != 1 {
		t.Fatalf("expected one match, got %v", got)
	}
}

func TestMatcherMultipleEntriesPerTerm(t *testing.T) {
	m := NewMatcher(map[string][]string{"hopper": {"def-a", "def-b"}})

	matches := m.Scan("a hopper clock")
	if len(matches) != 2 {
		t.Fatalf("expected a match per entry id, got %v", matches)
	}
	ids := []string{matches[0].EntryID, matches[1].EntryID}
	if !reflect.DeepEqual(ids, []string{"def-a", "def-b"}) {
		t.Fatalf("entry ids = %v", ids)
	}
}

func TestMatcherOffsets(t *testing.T) {
	m := NewMatcher(map[string][]string{"door": {"d"}})
	matches := m.Scan("Big DOOR here")
	if len(matches) != 1 {
		t.Fatalf("matches = %v", matches)
	}
	if matches[0].Start != 4 || matches[0].End != 8 {
		t.Fatalf("offsets = [%d,%d), want [4,8)", matches[0].Start, matches[0].End)
	}
}

func TestMatcherEmptyPatterns(t *testing.T) {
	m := NewMatcher(map[string][]string{})
	if got := m.Scan("anything at all"); len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}
