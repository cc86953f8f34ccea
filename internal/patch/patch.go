// Package patch implements the unified-diff pipeline: computing diffs
// between two text states, splitting them into addressable hunks, and
// rebuilding a file from a selected subset of hunks.
//
// A hunk's identity is its exact header+body text. The proposal and the
// apply call can live in different requests, so there is never a shared
// in-memory handle; apply re-parses the original diff and matches hunks
// by text.
package patch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ErrApply is returned when the original patch cannot be parsed, a
// selected hunk does not exist in it, or the file content no longer
// matches the hunk context (the file drifted since the diff was shown).
var ErrApply = errors.New("patch apply failed")

const contextLines = 3

const noNewlineMarker = `\ No newline at end of file`

// Hunk is one contiguous change region of a unified diff. Text is the
// canonical header+body form used as the hunk's durable identity.
type Hunk struct {
	Header string   `json:"header"`
	Body   []string `json:"body"`
	Text   string   `json:"text"`
	Lossy  bool     `json:"lossy,omitempty"`

	oldStart, oldLines int
	newStart, newLines int
}

// Diff renders the unified diff between before and after under a/<label>
// and b/<label> headers. Identical inputs produce an empty string. Lines
// without a trailing newline are flagged with the usual backslash marker
// so the round trip through ApplySelected stays byte-exact.
func Diff(label, before, after string) string {
	a := splitAfterLines(before)
	b := splitAfterLines(after)
	matcher := difflib.NewMatcher(a, b)
	groups := matcher.GetGroupedOpCodes(contextLines)
	if len(groups) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", label, label)
	for _, group := range groups {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n",
			formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, line := range a[op.I1:op.I2] {
					writeBodyLine(&sb, ' ', line)
				}
			case 'd':
				for _, line := range a[op.I1:op.I2] {
					writeBodyLine(&sb, '-', line)
				}
			case 'i':
				for _, line := range b[op.J1:op.J2] {
					writeBodyLine(&sb, '+', line)
				}
			case 'r':
				for _, line := range a[op.I1:op.I2] {
					writeBodyLine(&sb, '-', line)
				}
				for _, line := range b[op.J1:op.J2] {
					writeBodyLine(&sb, '+', line)
				}
			}
		}
	}
	return sb.String()
}

// SplitHunks breaks a unified diff into its hunks, preserving source
// order. When the text cannot be parsed as a structured patch it falls
// back to a lossy split on "@@" marker boundaries; fallback hunks are
// marked Lossy and are for preview only — the apply path re-parses
// strictly and never consumes them.
func SplitHunks(diffText string) []Hunk {
	hunks, err := parseUnified(diffText)
	if err == nil {
		return hunks
	}
	return lossySplit(diffText)
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnified(diffText string) ([]Hunk, error) {
	var hunks []Hunk
	var current *Hunk
	sawHeader := false
	for _, line := range splitLines(diffText) {
		// File headers only exist before the first hunk. Past that point a
		// line like "--- x" is a removed line whose content starts with
		// "-- " and must parse as body.
		if current == nil && (strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ")) {
			sawHeader = true
			continue
		}
		if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				hunks = append(hunks, finishHunk(*current))
			}
			current = &Hunk{
				Header:   line,
				oldStart: mustInt(m[1]),
				oldLines: intDefault(m[2], 1),
				newStart: mustInt(m[3]),
				newLines: intDefault(m[4], 1),
			}
			continue
		}
		if current == nil {
			// Tolerate prologue lines (e.g. "diff --git") before the
			// first hunk, but nothing else once headers were seen.
			if sawHeader && strings.TrimSpace(line) != "" {
				return nil, fmt.Errorf("unexpected line before first hunk: %q", line)
			}
			continue
		}
		switch {
		case line == "", line[0] == ' ', line[0] == '+', line[0] == '-', line[0] == '\\':
			current.Body = append(current.Body, line)
		default:
			return nil, fmt.Errorf("malformed hunk line: %q", line)
		}
	}
	if current != nil {
		hunks = append(hunks, finishHunk(*current))
	}
	if len(hunks) == 0 {
		if strings.TrimSpace(diffText) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("no hunks found")
	}
	return hunks, nil
}

func finishHunk(h Hunk) Hunk {
	var sb strings.Builder
	sb.WriteString(h.Header)
	sb.WriteByte('\n')
	for _, line := range h.Body {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	h.Text = sb.String()
	return h
}

func lossySplit(diffText string) []Hunk {
	var hunks []Hunk
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		hunks = append(hunks, Hunk{
			Header: current[0],
			Body:   current[1:],
			Text:   strings.Join(current, "\n") + "\n",
			Lossy:  true,
		})
		current = nil
	}
	for _, line := range splitLines(diffText) {
		if strings.HasPrefix(line, "@@") {
			flush()
			current = []string{line}
			continue
		}
		if current != nil {
			current = append(current, line)
		}
	}
	flush()
	return hunks
}

// ApplySelected rebuilds the after-state of before from the subset of
// originalPatch's hunks named in selected. Hunks apply in their original
// order with strict context verification: if before drifted since the
// diff was computed, the result is ErrApply, never a corrupted file.
func ApplySelected(before, originalPatch string, selected []string) (string, error) {
	hunks, err := parseUnified(originalPatch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrApply, err)
	}
	remaining := make(map[string]int, len(selected))
	for _, text := range selected {
		remaining[canonicalHunkText(text)]++
	}
	var chosen []Hunk
	for _, h := range hunks {
		if remaining[h.Text] > 0 {
			remaining[h.Text]--
			chosen = append(chosen, h)
		}
	}
	for _, count := range remaining {
		if count > 0 {
			return "", fmt.Errorf("%w: selected hunk not present in original patch", ErrApply)
		}
	}
	return applyHunks(before, chosen)
}

func applyHunks(before string, hunks []Hunk) (string, error) {
	lines := splitAfterLines(before)
	var out []string
	idx := 0
	for _, h := range hunks {
		ops, ok := h.ops()
		if !ok {
			return "", fmt.Errorf("%w: malformed hunk body", ErrApply)
		}
		start := h.oldStart - 1
		if h.oldLines == 0 {
			// Pure insertion: the old range names the line the insertion
			// follows, not a line the hunk consumes.
			start = h.oldStart
		}
		if start < idx || start > len(lines) {
			return "", fmt.Errorf("%w: hunk position out of range", ErrApply)
		}
		out = append(out, lines[idx:start]...)
		idx = start
		for _, op := range ops {
			switch op.kind {
			case ' ':
				if idx >= len(lines) || lines[idx] != op.text {
					return "", contextMismatch(h, idx)
				}
				out = append(out, lines[idx])
				idx++
			case '-':
				if idx >= len(lines) || lines[idx] != op.text {
					return "", contextMismatch(h, idx)
				}
				idx++
			case '+':
				out = append(out, op.text)
			}
		}
	}
	out = append(out, lines[idx:]...)
	return strings.Join(out, ""), nil
}

func contextMismatch(h Hunk, idx int) error {
	return fmt.Errorf("%w: context mismatch near line %d (%s)", ErrApply, idx+1, h.Header)
}

type hunkOp struct {
	kind byte
	text string
}

// ops converts raw body lines into operations whose text carries its own
// newline, so files without a trailing newline survive the round trip.
func (h Hunk) ops() ([]hunkOp, bool) {
	var ops []hunkOp
	for i := 0; i < len(h.Body); i++ {
		line := h.Body[i]
		if line == "" {
			line = " "
		}
		switch line[0] {
		case ' ', '+', '-':
			text := line[1:]
			if i+1 < len(h.Body) && strings.HasPrefix(h.Body[i+1], `\`) {
				i++
			} else {
				text += "\n"
			}
			ops = append(ops, hunkOp{kind: line[0], text: text})
		case '\\':
			// Stray no-newline marker; nothing to attach it to.
		default:
			return nil, false
		}
	}
	return ops, true
}

func canonicalHunkText(text string) string {
	if text == "" || strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

func writeBodyLine(sb *strings.Builder, prefix byte, line string) {
	sb.WriteByte(prefix)
	sb.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		sb.WriteByte('\n')
		sb.WriteString(noNewlineMarker)
		sb.WriteByte('\n')
	}
}

func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	if length == 1 {
		return strconv.Itoa(beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}

func splitAfterLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func mustInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func intDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return mustInt(s)
}
