// Package mutation derives new test inputs from seeds. Two top-level
// operators exist, havoc and splice; an epsilon-greedy strategy picks
// between them based on the coverage and crashes each has earned.
package mutation

import (
	"encoding/binary"
	"math"
	"math/rand"
)

// Interesting values overwritten into inputs by the interesting-value
// primitive. The odd-looking 32-bit entries are deliberate magic constants,
// not boundary values; keep them as-is.
var (
	interesting16 = []int64{
		0, -32768, 32767, -1, 1,
		-128, 128, 255, -256, 256,
		65535,
	}
	interesting32 = []int64{
		0, -2147483648, 2147483647, -1, 1,
		-32768, 32767, -65536, 65535,
		-100663046, 100663046,
	}
	interesting64 = []int64{
		0, -1, 1,
		-4294967296, 4294967296,
		-2147483648, 2147483647,
		9223372036854775807, -9223372036854775808,
	}
)

// havocPrimitives is the number of primitive mutation kinds dispatched by an
// integer draw in Havoc.
const havocPrimitives = 7

// Mutator implements the havoc and splice operators over byte buffers. All
// randomness comes from the injected source, so runs are reproducible under
// a fixed seed.
type Mutator struct {
	rng  *rand.Rand
	dict [][]byte
}

// NewMutator returns a mutator drawing from rng. dict may be nil; the
// dictionary primitives then no-op.
func NewMutator(rng *rand.Rand, dict [][]byte) *Mutator {
	return &Mutator{rng: rng, dict: dict}
}

// Havoc applies a stack of random primitive mutations to a copy of data and
// returns it. Inputs shorter than 8 bytes come back unchanged. A primitive
// that does not fit the current buffer is a silent no-op.
func (m *Mutator) Havoc(data []byte) []byte {
	d := append([]byte(nil), data...)
	if len(d) < 8 {
		return d
	}

	n := 1 + m.rng.Intn(max(4, len(d)/100))
	for i := 0; i < n; i++ {
		switch m.rng.Intn(havocPrimitives) {
		case 0:
			m.bitFlip(d)
		case 1:
			m.overwriteInt(d)
		case 2:
			m.overwriteInteresting(d)
		case 3:
			m.copyChunk(d)
		case 4:
			d = m.dictInsert(d)
		case 5:
			m.dictOverwrite(d)
		case 6:
			m.arith(d)
		}
	}
	return d
}

// Splice joins a prefix of a with the tail of b at a point drawn from their
// common length, then runs a havoc pass over the result. When the shorter
// input has fewer than 2 bytes there is no valid splice point and the
// operator degrades to plain havoc on a.
func (m *Mutator) Splice(a, b []byte) []byte {
	l := min(len(a), len(b))
	if l < 2 {
		return m.Havoc(a)
	}
	p := 1 + m.rng.Intn(l-1)
	spliced := make([]byte, 0, p+len(b)-p)
	spliced = append(spliced, a[:p]...)
	spliced = append(spliced, b[p:]...)
	return m.Havoc(spliced)
}

// bitFlip flips one random bit.
func (m *Mutator) bitFlip(d []byte) {
	p := m.rng.Intn(len(d))
	d[p] ^= 1 << m.rng.Intn(8)
}

// overwriteInt writes a uniformly random 2/4/8-byte integer, little-endian,
// at a random in-bounds offset.
func (m *Mutator) overwriteInt(d []byte) {
	size := m.intSize()
	if len(d) < size {
		return
	}
	p := m.rng.Intn(len(d) - size + 1)
	putInt(d, p, size, int64(m.rng.Uint64()))
}

// overwriteInteresting writes a value from the interesting set for a random
// integer size.
func (m *Mutator) overwriteInteresting(d []byte) {
	size := m.intSize()
	if len(d) < size {
		return
	}
	var table []int64
	switch size {
	case 2:
		table = interesting16
	case 4:
		table = interesting32
	default:
		table = interesting64
	}
	p := m.rng.Intn(len(d) - size + 1)
	putInt(d, p, size, table[m.rng.Intn(len(table))])
}

// copyChunk duplicates a random chunk of the buffer over another position.
func (m *Mutator) copyChunk(d []byte) {
	if len(d) < 4 {
		return
	}
	length := 2 + m.rng.Intn(min(32, len(d)/2)-1)
	src := m.rng.Intn(len(d) - length + 1)
	dst := m.rng.Intn(len(d) - length + 1)
	copy(d[dst:dst+length], d[src:src+length])
}

// dictInsert inserts a dictionary token at a random position, growing the
// buffer. Returns the (possibly reallocated) buffer.
func (m *Mutator) dictInsert(d []byte) []byte {
	if len(m.dict) == 0 {
		return d
	}
	token := m.dict[m.rng.Intn(len(m.dict))]
	p := m.rng.Intn(len(d))
	out := make([]byte, 0, len(d)+len(token))
	out = append(out, d[:p]...)
	out = append(out, token...)
	out = append(out, d[p:]...)
	return out
}

// dictOverwrite overwrites bytes in place with a dictionary token that fits.
func (m *Mutator) dictOverwrite(d []byte) {
	if len(m.dict) == 0 {
		return
	}
	token := m.dict[m.rng.Intn(len(m.dict))]
	if len(token) > len(d) {
		return
	}
	p := m.rng.Intn(len(d) - len(token) + 1)
	copy(d[p:], token)
}

// Arithmetic windows per integer size: deltas are drawn uniformly from
// [-window, window].
func arithWindow(size int) int64 {
	switch size {
	case 2:
		return 256
	case 4:
		return 65536
	default:
		return 1 << 32
	}
}

// arith adds a windowed random delta to a 2/4/8-byte signed integer. If the
// sum leaves the integer's range, the stored value saturates to the opposite
// extreme of the delta window.
func (m *Mutator) arith(d []byte) {
	size := m.intSize()
	if len(d) < size {
		return
	}
	p := m.rng.Intn(len(d) - size + 1)
	w := arithWindow(size)
	delta := m.rng.Int63n(2*w+1) - w
	v := getInt(d, p, size)

	sum := v + delta
	overflow := false
	switch size {
	case 2:
		overflow = sum > math.MaxInt16 || sum < math.MinInt16
	case 4:
		overflow = sum > math.MaxInt32 || sum < math.MinInt32
	default:
		overflow = (delta > 0 && v > math.MaxInt64-delta) ||
			(delta < 0 && v < math.MinInt64-delta)
	}
	if overflow {
		if delta > 0 {
			sum = -w
		} else {
			sum = w
		}
	}
	putInt(d, p, size, sum)
}

// intSize draws one of the supported integer widths.
func (m *Mutator) intSize() int {
	return []int{2, 4, 8}[m.rng.Intn(3)]
}

func putInt(d []byte, off, size int, v int64) {
	switch size {
	case 2:
		binary.LittleEndian.PutUint16(d[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(d[off:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(d[off:], uint64(v))
	}
}

func getInt(d []byte, off, size int) int64 {
	switch size {
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(d[off:])))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(d[off:])))
	default:
		return int64(binary.LittleEndian.Uint64(d[off:]))
	}
}
