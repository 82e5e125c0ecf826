// Package targets collects small demo programs in the aflshm convention,
// used for manual end-to-end runs of the fuzzer. Each function is a
// forkserver body: it records edges and returns the wait-style status to
// report.
package targets

import (
	"time"

	"minilop.local/fuzz/aflshm"
)

// Edge numbers used by the demo targets. Arbitrary but stable, so runs are
// comparable.
const (
	edgeEntry      = 1
	edgeShort      = 2
	edgeMagic      = 42
	edgeMagicByte2 = 43
	edgeTail       = 7
)

// MagicHeader exercises a branchy parser: edge 42 fires only when the input
// starts with 0xDE 0xAD.
func MagicHeader(data []byte) int {
	aflshm.Hit(edgeEntry)
	if len(data) < 2 {
		aflshm.Hit(edgeShort)
		return aflshm.StatusExit(0)
	}
	if data[0] == 0xDE {
		aflshm.Hit(edgeMagicByte2)
		if data[1] == 0xAD {
			aflshm.Hit(edgeMagic)
		}
	}
	aflshm.Hit(edgeTail)
	return aflshm.StatusExit(0)
}

// Crasher reports a SIGSEGV with core dump on any nonempty input.
func Crasher(data []byte) int {
	aflshm.Hit(edgeEntry)
	if len(data) > 0 {
		return aflshm.StatusSignal(11, true)
	}
	return aflshm.StatusExit(0)
}

// Sleeper hangs well past any reasonable execution budget when the input
// starts with the marker byte 'Z'.
func Sleeper(data []byte) int {
	aflshm.Hit(edgeEntry)
	if len(data) > 0 && data[0] == 'Z' {
		time.Sleep(5 * time.Second)
	}
	aflshm.Hit(edgeTail)
	return aflshm.StatusExit(0)
}

// NoCoverage touches no edges at all, whatever the input.
func NoCoverage(data []byte) int {
	return aflshm.StatusExit(0)
}
