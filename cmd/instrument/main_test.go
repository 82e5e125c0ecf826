package main

import (
	"strings"
	"testing"

	"github.com/dave/dst/decorator"

	"minilop.local/fuzz/feedback"
)

const sampleSource = `package demo

func parse(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	switch data[0] {
	case 0xDE:
		return 1
	default:
		return 2
	}
}
`

func TestInstrumentSourceInjectsHits(t *testing.T) {
	out, edges, err := instrumentSource([]byte(sampleSource), "minilop.local/fuzz/aflshm")
	if err != nil {
		t.Fatalf("instrumentSource failed: %v", err)
	}
	src := string(out)

	// 1. The runtime import is injected.
	if !strings.Contains(src, `"minilop.local/fuzz/aflshm"`) {
		t.Error("Expected the aflshm import to be injected")
	}

	// 2. Function body, if body and both switch cases get a hit each.
	hits := strings.Count(src, "aflshm.Hit(")
	if hits < 4 {
		t.Errorf("Expected at least 4 injected hits, got %d:\n%s", hits, src)
	}
	if hits != len(edges) {
		t.Errorf("Metadata lists %d edges but source has %d hits", len(edges), hits)
	}

	// 3. The rewritten file is still valid Go.
	if _, err := decorator.Parse(out); err != nil {
		t.Errorf("Instrumented source does not parse: %v", err)
	}
}

func TestInstrumentSourceIdempotentImport(t *testing.T) {
	out, _, err := instrumentSource([]byte(sampleSource), "minilop.local/fuzz/aflshm")
	if err != nil {
		t.Fatalf("First pass failed: %v", err)
	}
	out2, _, err := instrumentSource(out, "minilop.local/fuzz/aflshm")
	if err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}
	if n := strings.Count(string(out2), `"minilop.local/fuzz/aflshm"`); n != 1 {
		t.Errorf("Expected the import exactly once, got %d", n)
	}
}

func TestEdgeIDStaysInBitmap(t *testing.T) {
	for _, fn := range []string{"parse", "main", "veryLongFunctionName"} {
		for block := 1; block < 100; block++ {
			if e := edgeID("demo", fn, block); e >= feedback.MapSize {
				t.Fatalf("Edge id %d outside the bitmap", e)
			}
		}
	}
}

func TestEdgeIDIsStable(t *testing.T) {
	a := edgeID("demo", "parse", 1)
	b := edgeID("demo", "parse", 1)
	if a != b {
		t.Error("Expected deterministic edge ids")
	}
	if edgeID("demo", "parse", 2) == a {
		t.Error("Expected different blocks to map to different ids")
	}
}
