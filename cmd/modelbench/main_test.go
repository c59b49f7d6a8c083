package main

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"

	"modelbench/internal/model"
)

var ansi = regexp.MustCompile("\x1b\\[[0-9;]*m")

func TestPrintRegistryAlignsColoredNames(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	printRegistry(&buf, model.Default())
	out := buf.String()
	if !ansi.MatchString(out) {
		t.Fatalf("expected colored output, got %q", out)
	}

	lines := strings.Split(strings.TrimSpace(ansi.ReplaceAllString(out, "")), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 architectures, got %d", len(lines))
	}
	for _, line := range lines {
		if len(line) < 16 || line[14] != ' ' || line[15] == ' ' {
			t.Fatalf("task column misaligned in %q", line)
		}
	}
	if !strings.HasPrefix(lines[0], "hf_Reformer    nlp.language_modeling") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
}
