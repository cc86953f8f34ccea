package diff

import "testing"

func TestTextDiffClassifiesLines(t *testing.T) {
	before := "one\ntwo\nthree\n"
	after := "one\nTWO\nthree\nfour\n"
	lines := TextDiff(before, after)
	var added, removed, context int
	for _, line := range lines {
		switch line.Type {
		case LineAdded:
			added++
		case LineRemoved:
			removed++
		case LineContext:
			context++
		default:
			t.Fatalf("unknown line type %q", line.Type)
		}
	}
	if removed != 1 || added != 2 || context != 2 {
		t.Fatalf("expected 1 removed, 2 added, 2 context; got %d/%d/%d", removed, added, context)
	}
}

func TestTextDiffLineNumbers(t *testing.T) {
	lines := TextDiff("a\nb\n", "a\nc\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].Type != LineContext || lines[0].OldLine != 1 || lines[0].NewLine != 1 {
		t.Fatalf("unexpected context line %+v", lines[0])
	}
	if lines[1].Type != LineRemoved || lines[1].OldLine != 2 {
		t.Fatalf("unexpected removed line %+v", lines[1])
	}
	if lines[2].Type != LineAdded || lines[2].NewLine != 2 {
		t.Fatalf("unexpected added line %+v", lines[2])
	}
}

func TestTextDiffIdentical(t *testing.T) {
	lines := TextDiff("same\ncontent\n", "same\ncontent\n")
	for _, line := range lines {
		if line.Type != LineContext {
			t.Fatalf("identical input produced %+v", line)
		}
	}
}

func TestTextDiffWithLimit(t *testing.T) {
	lines, truncated := TextDiffWithLimit("a\nb\nc\n", "a\nb\nd\n", 2)
	if !truncated || lines != nil {
		t.Fatalf("expected truncation, got %v %v", lines, truncated)
	}
	lines, truncated = TextDiffWithLimit("a\n", "b\n", 100)
	if truncated || len(lines) == 0 {
		t.Fatalf("expected diff under limit, got %v %v", lines, truncated)
	}
}
