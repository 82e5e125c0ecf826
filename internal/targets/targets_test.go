package targets

import (
	"testing"

	"minilop.local/fuzz/aflshm"
)

func withBitmap(t *testing.T) []byte {
	t.Helper()
	bits := make([]byte, aflshm.MapSize)
	aflshm.UseBuffer(bits)
	t.Cleanup(func() { aflshm.UseBuffer(nil) })
	return bits
}

func TestMagicHeaderEdge(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
		magic bool
	}{
		{"magic prefix", []byte{0xDE, 0xAD, 0, 0}, true},
		{"half magic", []byte{0xDE, 0x00, 0, 0}, false},
		{"no magic", []byte{1, 2, 3, 4}, false},
		{"short", []byte{0xDE}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		bits := withBitmap(t)
		if status := MagicHeader(tc.input); status != aflshm.StatusExit(0) {
			t.Errorf("%s: expected clean exit, got %#x", tc.name, status)
		}
		if hit := bits[42] != 0; hit != tc.magic {
			t.Errorf("%s: expected edge 42 hit=%v, got %v", tc.name, tc.magic, hit)
		}
	}
}

func TestCrasherStatus(t *testing.T) {
	withBitmap(t)
	if status := Crasher(nil); status != aflshm.StatusExit(0) {
		t.Errorf("Expected clean exit on empty input, got %#x", status)
	}
	if status := Crasher([]byte{1}); status != aflshm.StatusSignal(11, true) {
		t.Errorf("Expected SIGSEGV-with-core on nonempty input, got %#x", status)
	}
}

func TestNoCoverageTouchesNothing(t *testing.T) {
	bits := withBitmap(t)
	if status := NoCoverage([]byte{1, 2, 3}); status != aflshm.StatusExit(0) {
		t.Errorf("Expected clean exit, got %#x", status)
	}
	for i, b := range bits {
		if b != 0 {
			t.Fatalf("Expected an untouched bitmap, found edge %d set", i)
		}
	}
}

func TestSleeperFastPath(t *testing.T) {
	bits := withBitmap(t)
	if status := Sleeper([]byte{'A'}); status != aflshm.StatusExit(0) {
		t.Errorf("Expected clean exit, got %#x", status)
	}
	if bits[1] == 0 {
		t.Error("Expected the entry edge to be recorded")
	}
}
