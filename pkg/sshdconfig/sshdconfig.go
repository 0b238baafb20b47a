// Package sshdconfig models keyword/value configuration files in the style of
// sshd_config(5): one directive per line, '#' comments, and Match blocks that
// scope every following directive.
//
// The model is line oriented. Parsing keeps every physical line verbatim so a
// rendered file differs from its source only on the lines an Apply touched.
package sshdconfig

import (
	"sort"
	"strings"
)

// Line is one physical line of a configuration file.
type Line struct {
	// Raw is the line exactly as read, without the newline.
	Raw string

	// Keyword is the directive keyword, empty for blanks and comments.
	Keyword string

	// Value is the directive argument text with surrounding whitespace removed.
	Value string
}

// IsDirective reports whether the line carries an active directive.
func (l Line) IsDirective() bool {
	return l.Keyword != ""
}

// IsMatch reports whether the line opens a Match block.
func (l Line) IsMatch() bool {
	return strings.EqualFold(l.Keyword, "Match")
}

// File is a parsed configuration file.
type File struct {
	lines           []Line
	trailingNewline bool
}

// Parse splits content into lines and recognises directives. It never fails:
// lines that are not directives are kept as opaque text.
func Parse(content string) *File {
	f := &File{}
	if content == "" {
		return f
	}

	f.trailingNewline = strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	for _, raw := range strings.Split(trimmed, "\n") {
		f.lines = append(f.lines, parseLine(raw))
	}
	return f
}

func parseLine(raw string) Line {
	line := Line{Raw: raw}
	text := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
	if text == "" || strings.HasPrefix(text, "#") {
		return line
	}

	end := strings.IndexAny(text, " \t=")
	if end < 0 {
		line.Keyword = text
		return line
	}

	line.Keyword = text[:end]
	rest := strings.TrimLeft(text[end:], " \t")
	rest = strings.TrimPrefix(rest, "=")
	line.Value = strings.TrimSpace(rest)
	return line
}

// Lines returns a copy of the parsed lines.
func (f *File) Lines() []Line {
	out := make([]Line, len(f.lines))
	copy(out, f.lines)
	return out
}

// globalEnd returns the index of the first Match line, or len(lines).
func (f *File) globalEnd() int {
	for i, l := range f.lines {
		if l.IsMatch() {
			return i
		}
	}
	return len(f.lines)
}

// Lookup returns the value of keyword in the global section. When the keyword
// appears more than once the last active occurrence wins; commented-out lines
// are ignored. Keywords compare case-insensitively.
func (f *File) Lookup(keyword string) (string, bool) {
	value, found := "", false
	for _, l := range f.lines[:f.globalEnd()] {
		if l.IsDirective() && strings.EqualFold(l.Keyword, keyword) {
			value, found = l.Value, true
		}
	}
	return value, found
}

// Count returns the number of active occurrences of keyword in the global section.
func (f *File) Count(keyword string) int {
	n := 0
	for _, l := range f.lines[:f.globalEnd()] {
		if l.IsDirective() && strings.EqualFold(l.Keyword, keyword) {
			n++
		}
	}
	return n
}

// Apply returns a new File in which every keyword of directives has exactly
// one active line in the global section carrying the desired value.
//
// The first active occurrence is rewritten in place and later duplicates are
// dropped. Keywords with no active occurrence are appended after the last
// global line, ahead of any Match block. Comments, blank lines, unrelated
// directives and Match blocks are preserved verbatim.
func (f *File) Apply(directives map[string]string) *File {
	pending := make(map[string]string, len(directives))
	names := make(map[string]string, len(directives))
	for k, v := range directives {
		lk := strings.ToLower(k)
		pending[lk] = v
		names[lk] = k
	}

	end := f.globalEnd()
	written := make(map[string]bool, len(pending))
	out := &File{trailingNewline: f.trailingNewline}

	for i, l := range f.lines {
		lk := strings.ToLower(l.Keyword)
		want, managed := pending[lk]
		if i >= end || !l.IsDirective() || !managed {
			if i == end {
				out.lines = append(out.lines, appended(pending, names, written)...)
			}
			out.lines = append(out.lines, l)
			continue
		}
		if written[lk] {
			continue
		}
		written[lk] = true
		if l.Value == want && strings.EqualFold(l.Keyword, names[lk]) {
			out.lines = append(out.lines, l)
			continue
		}
		out.lines = append(out.lines, directiveLine(names[lk], want))
	}

	if end == len(f.lines) {
		out.lines = append(out.lines, appended(pending, names, written)...)
	}
	if len(out.lines) > len(f.lines) {
		out.trailingNewline = true
	}
	return out
}

// appended renders the directives not yet written, sorted for a stable result.
func appended(pending, names map[string]string, written map[string]bool) []Line {
	var keys []string
	for lk := range pending {
		if !written[lk] {
			keys = append(keys, lk)
		}
	}
	sort.Strings(keys)

	lines := make([]Line, 0, len(keys))
	for _, lk := range keys {
		written[lk] = true
		lines = append(lines, directiveLine(names[lk], pending[lk]))
	}
	return lines
}

func directiveLine(keyword, value string) Line {
	return Line{
		Raw:     keyword + " " + value,
		Keyword: keyword,
		Value:   value,
	}
}

// String renders the file.
func (f *File) String() string {
	if len(f.lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range f.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Raw)
	}
	if f.trailingNewline {
		b.WriteByte('\n')
	}
	return b.String()
}
