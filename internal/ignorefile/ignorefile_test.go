package ignorefile

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) *Spec {
	t.Helper()
	s, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return s
}

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	s := mustParse(t, "# comment\n\n*.log\n\n  \n.DS_Store\n")
	if len(s.patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d: %+v", len(s.patterns), s.patterns)
	}
}

func TestMatchBasenamePattern(t *testing.T) {
	s := mustParse(t, "*.log\n")
	if !s.Match("debug.log") {
		t.Error("expected debug.log to match *.log")
	}
	if !s.Match("nested/deep/debug.log") {
		t.Error("expected nested debug.log to match *.log by basename")
	}
	if s.Match("debug.txt") {
		t.Error("did not expect debug.txt to match *.log")
	}
}

func TestMatchFullPathPattern(t *testing.T) {
	s := mustParse(t, "build/output.js\n")
	if !s.Match("build/output.js") {
		t.Error("expected exact path pattern to match")
	}
	if s.Match("other/build/output.js") {
		t.Error("full-path pattern should not match as a suffix")
	}
}

func TestMatchDirPrunesSubtree(t *testing.T) {
	s := mustParse(t, "node_modules\n")
	if !s.MatchDir("node_modules") {
		t.Error("expected node_modules directory to match")
	}
	if !s.Match("node_modules/pkg/index.js") {
		t.Error("expected a file under an ignored directory component to match")
	}
}

func TestEmptySpecMatchesNothing(t *testing.T) {
	s := Empty()
	if s.Match("anything") || s.MatchDir("anydir") {
		t.Error("empty spec should never match")
	}
}

func TestNilSpecMatchesNothing(t *testing.T) {
	var s *Spec
	if s.Match("anything") {
		t.Error("nil spec should never match")
	}
}
