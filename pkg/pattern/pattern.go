// Package pattern implements the slash-segment, disjunction, and glob
// matching rules the loader's search path is built from (spec §4.1).
//
// Pattern grammar:
//
//   - A pattern is a sequence of segments separated by "/".
//   - A segment is a disjunction of globs separated by "|"; the segment
//     matches a name iff any glob disjunct matches.
//   - A glob is a name with zero or more "*" wildcards. A bare "*" matches
//     any name. Otherwise the glob is split on "*" into fragments; a name
//     matches iff it contains all fragments in order, with the first
//     fragment anchored at the start (unless the glob begins with "*")
//     and the last fragment anchored at the end (unless the glob ends
//     with "*").
//   - A pattern with no "*" and no "|" in any segment is literal: it is
//     never expanded against the store, and is passed through so callers
//     can reference items that don't exist yet.
package pattern

import "strings"

// Segment is one slash-delimited piece of a Pattern: a disjunction of
// glob strings.
type Segment struct {
	disjuncts []string
}

// Match reports whether name matches any disjunct of the segment.
func (s Segment) Match(name string) bool {
	for _, d := range s.disjuncts {
		if MatchGlob(name, d) {
			return true
		}
	}
	return false
}

// Raw returns the segment's original disjunct strings, joined with "|".
func (s Segment) Raw() string {
	return strings.Join(s.disjuncts, "|")
}

// MatchGlob reports whether name matches a single glob disjunct, per the
// fragment-anchoring rule described in the package doc.
func MatchGlob(name, glob string) bool {
	if !strings.Contains(glob, "*") {
		return name == glob
	}
	if glob == "*" {
		return true
	}

	parts := strings.Split(glob, "*")

	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(name, last) {
		return false
	}
	name = name[:len(name)-len(last)]

	for i := 1; i < len(parts)-1; i++ {
		frag := parts[i]
		if frag == "" {
			continue
		}
		idx := strings.Index(name, frag)
		if idx == -1 {
			return false
		}
		name = name[idx+len(frag):]
	}

	return true
}

// Pattern is a compiled, slash-segmented search pattern.
type Pattern struct {
	Original  string
	Trimmed   string // Original with trailing "/" stripped
	Segments  []Segment
	IsLiteral bool
}

// Compile parses raw into a Pattern. Trailing "/" characters are stripped
// before splitting into segments, per spec §4.1. An empty string compiles
// to a Pattern with no segments; callers are expected to discard it (the
// PatternPath constructor discards empty/nil pattern strings).
func Compile(raw string) Pattern {
	trimmed := strings.TrimRight(raw, "/")

	var segs []Segment
	literal := true
	if trimmed != "" {
		for _, part := range strings.Split(trimmed, "/") {
			if part == "" {
				continue
			}
			disjuncts := strings.Split(part, "|")
			segs = append(segs, Segment{disjuncts: disjuncts})
			if strings.Contains(part, "*") || strings.Contains(part, "|") {
				literal = false
			}
		}
	}

	return Pattern{
		Original:  raw,
		Trimmed:   trimmed,
		Segments:  segs,
		IsLiteral: literal,
	}
}
