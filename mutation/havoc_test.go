package mutation

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestHavocShortInputUnchanged(t *testing.T) {
	m := NewMutator(rand.New(rand.NewSource(1)), nil)
	in := []byte{1, 2, 3, 4, 5, 6, 7}

	out := m.Havoc(in)
	if !bytes.Equal(out, in) {
		t.Errorf("Expected 7-byte input unchanged, got %v", out)
	}
}

func TestHavocDoesNotAliasInput(t *testing.T) {
	m := NewMutator(rand.New(rand.NewSource(1)), nil)
	in := make([]byte, 64)
	saved := append([]byte(nil), in...)

	m.Havoc(in)
	if !bytes.Equal(in, saved) {
		t.Error("Havoc mutated the caller's buffer")
	}
}

func TestHavocDeterministicUnderFixedSeed(t *testing.T) {
	in := make([]byte, 128)
	for i := range in {
		in[i] = byte(i)
	}

	out1 := NewMutator(rand.New(rand.NewSource(42)), nil).Havoc(in)
	out2 := NewMutator(rand.New(rand.NewSource(42)), nil).Havoc(in)
	if !bytes.Equal(out1, out2) {
		t.Error("Expected identical output for identical RNG seeds")
	}
}

func TestHavocPreservesLengthWithoutDictionary(t *testing.T) {
	// Only the dictionary-insert primitive may grow the buffer; with no
	// dictionary every primitive is length-preserving.
	rng := rand.New(rand.NewSource(9))
	m := NewMutator(rng, nil)
	for i := 0; i < 500; i++ {
		size := 8 + rng.Intn(256)
		in := make([]byte, size)
		out := m.Havoc(in)
		if len(out) != size {
			t.Fatalf("Iteration %d: length changed from %d to %d", i, size, len(out))
		}
	}
}

func TestHavocWithDictionaryCanGrow(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m := NewMutator(rng, [][]byte{[]byte("MAGIC")})

	grown := false
	in := make([]byte, 32)
	for i := 0; i < 200 && !grown; i++ {
		if len(m.Havoc(in)) > len(in) {
			grown = true
		}
	}
	if !grown {
		t.Error("Expected at least one dictionary insert to grow the buffer")
	}
}

func TestHavocEventuallyMutates(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	m := NewMutator(rng, nil)
	in := make([]byte, 64)

	changed := false
	for i := 0; i < 50 && !changed; i++ {
		if !bytes.Equal(m.Havoc(in), in) {
			changed = true
		}
	}
	if !changed {
		t.Error("Havoc never changed a 64-byte buffer in 50 passes")
	}
}

func TestSpliceLengthMatchesSecondParent(t *testing.T) {
	// A[:p] ++ B[p:] always has B's length; without a dictionary the havoc
	// pass preserves it.
	rng := rand.New(rand.NewSource(5))
	m := NewMutator(rng, nil)
	a := make([]byte, 40)
	b := make([]byte, 100)

	for i := 0; i < 100; i++ {
		if out := m.Splice(a, b); len(out) != len(b) {
			t.Fatalf("Expected spliced length %d, got %d", len(b), len(out))
		}
	}
}

func TestSpliceFallsBackOnShortInput(t *testing.T) {
	a := make([]byte, 64)
	for i := range a {
		a[i] = byte(i)
	}
	b := []byte{1} // common length 1: no valid splice point

	out1 := NewMutator(rand.New(rand.NewSource(3)), nil).Splice(a, b)
	out2 := NewMutator(rand.New(rand.NewSource(3)), nil).Havoc(a)
	if !bytes.Equal(out1, out2) {
		t.Error("Expected splice on a too-short mate to equal a plain havoc pass")
	}
}

func TestArithSaturatesToWindowExtreme(t *testing.T) {
	// Direct primitive check: a 16-bit value at the integer maximum with a
	// positive delta must saturate to -256, the opposite window extreme.
	d := make([]byte, 2)
	putInt(d, 0, 2, math.MaxInt16)

	found := false
	rng := rand.New(rand.NewSource(1))
	m := NewMutator(rng, nil)
	for i := 0; i < 2000 && !found; i++ {
		putInt(d, 0, 2, math.MaxInt16)
		m.arith(d)
		if got := getInt(d, 0, 2); got == -256 {
			found = true
		} else if got > math.MaxInt16 || got < math.MinInt16 {
			t.Fatalf("Value escaped the 16-bit range: %d", got)
		}
	}
	if !found {
		t.Error("Never observed saturation to -256 on positive overflow")
	}
}

func TestPutGetIntRoundTrip(t *testing.T) {
	d := make([]byte, 8)
	cases := []struct {
		size int
		val  int64
	}{
		{2, -32768}, {2, 32767}, {2, -1},
		{4, -2147483648}, {4, 100663046},
		{8, math.MinInt64}, {8, math.MaxInt64}, {8, -4294967296},
	}
	for _, c := range cases {
		putInt(d, 0, c.size, c.val)
		if got := getInt(d, 0, c.size); got != c.val {
			t.Errorf("size %d: expected %d, got %d", c.size, c.val, got)
		}
	}
}

func TestLoadDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.dict")
	content := "# header comment\n" +
		"\n" +
		"kw1=\"GET\"\n" +
		"kw2=\"\\x00magic\"\n" +
		"not a token line\n" +
		"kw3=\"POST\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tokens, err := LoadDictionary(path)
	if err != nil {
		t.Fatalf("LoadDictionary failed: %v", err)
	}
	want := []string{"GET", `\x00magic`, "POST"}
	if len(tokens) != len(want) {
		t.Fatalf("Expected %d tokens, got %d", len(want), len(tokens))
	}
	for i, tok := range tokens {
		if string(tok) != want[i] {
			t.Errorf("Token %d: expected %q, got %q", i, want[i], tok)
		}
	}
}

func TestLoadDictionaryMissingFile(t *testing.T) {
	if _, err := LoadDictionary(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("Expected an error for a missing dictionary file")
	}
}
