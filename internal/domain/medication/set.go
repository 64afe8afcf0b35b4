package medication

import (
	"iter"
	"strings"
)

// Set is an insertion-ordered collection of lines keyed by EAN. It is not
// safe for concurrent use; the owning store serializes access.
type Set struct {
	order []string
	byEAN map[string]Line
}

func NewSet() *Set {
	return &Set{byEAN: make(map[string]Line)}
}

// Add inserts line, or replaces the line already stored under the same EAN.
// A replaced line keeps its position. Add reports whether the set changed:
// replacing with different content counts, re-adding an identical line does
// not. Lines without an EAN are rejected.
func (s *Set) Add(line Line) bool {
	line.EAN = strings.TrimSpace(line.EAN)
	if line.EAN == "" {
		return false
	}

	if cur, ok := s.byEAN[line.EAN]; ok {
		if cur.sameContent(line) {
			return false
		}
		s.byEAN[line.EAN] = line
		return true
	}

	s.order = append(s.order, line.EAN)
	s.byEAN[line.EAN] = line
	return true
}

// RemoveAt removes the line at position index of the ordered view.
func (s *Set) RemoveAt(index int) bool {
	if index < 0 || index >= len(s.order) {
		return false
	}
	delete(s.byEAN, s.order[index])
	s.order = append(s.order[:index], s.order[index+1:]...)
	return true
}

// SetComment replaces the comment of the line at position index.
func (s *Set) SetComment(index int, comment string) bool {
	if index < 0 || index >= len(s.order) {
		return false
	}
	ean := s.order[index]
	line := s.byEAN[ean]
	if line.Comment == comment {
		return false
	}
	line.Comment = comment
	s.byEAN[ean] = line
	return true
}

func (s *Set) Len() int { return len(s.order) }

func (s *Set) Reset() {
	s.order = nil
	s.byEAN = make(map[string]Line)
}

// Ordered yields the lines in display order with OrderIndex set to their
// position. The sequence can be ranged over any number of times; it reflects
// the set at the time each iteration starts.
func (s *Set) Ordered() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		order := append([]string(nil), s.order...)
		for i, ean := range order {
			line, ok := s.byEAN[ean]
			if !ok {
				continue
			}
			line.OrderIndex = i
			if !yield(line) {
				return
			}
		}
	}
}

// Lines returns a snapshot of Ordered.
func (s *Set) Lines() []Line {
	out := make([]Line, 0, len(s.order))
	for line := range s.Ordered() {
		out = append(out, line)
	}
	return out
}

// Replace resets the set to lines, keeping their slice order.
func (s *Set) Replace(lines []Line) {
	s.Reset()
	for _, l := range lines {
		s.Add(l)
	}
}
