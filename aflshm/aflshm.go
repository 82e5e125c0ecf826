// Package aflshm is the target-side coverage runtime. A Go program built
// with it can be fuzzed under the same convention as a C target: it attaches
// to the fuzzer's shared-memory bitmap via __AFL_SHM_ID, records edge hits
// with Hit, and answers fork requests on the inherited descriptor pair in
// persistent mode (the server runs each input itself and reports its own
// PID, which is equivalent to fork-per-exec from the fuzzer's side).
package aflshm

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Convention constants; these must match what the fuzzer's harness sets up.
const (
	ShmEnvVar = "__AFL_SHM_ID"
	MapSize   = 1 << 16
	ctlFD     = 198
	stFD      = 199
)

var traceBits []byte

// Attach maps the trace bitmap advertised in the environment. Without the
// environment variable the program is running outside the fuzzer; Hit then
// no-ops so instrumented binaries stay runnable standalone.
func Attach() error {
	val := os.Getenv(ShmEnvVar)
	if val == "" {
		return nil
	}
	id, err := strconv.Atoi(val)
	if err != nil {
		return errors.Wrapf(err, "parse %s", ShmEnvVar)
	}
	bits, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return errors.Wrapf(err, "shmat id %d", id)
	}
	traceBits = bits
	return nil
}

// UseBuffer points the runtime at an arbitrary buffer instead of shared
// memory, so instrumented code can be exercised in tests.
func UseBuffer(b []byte) {
	traceBits = b
}

// Hit bumps the hit count of an edge. Edges wrap into the bitmap.
func Hit(edge uint32) {
	if traceBits != nil {
		traceBits[edge&(MapSize-1)]++
	}
}

// StatusExit encodes a normal exit in POSIX wait layout.
func StatusExit(code int) int {
	return (code & 0xff) << 8
}

// StatusSignal encodes death by signal, optionally with the core-dump bit.
func StatusSignal(sig int, core bool) int {
	status := sig & 0x7f
	if core {
		status |= 0x80
	}
	return status
}

// Serve attaches the bitmap and runs the forkserver loop: hello on the
// status pipe, then for each 4-byte request re-read stdin, run body, and
// report a wait-style status. body returns the status word to report; a
// panic inside it is reported as SIGABRT with the core bit set. Serve
// returns nil when the fuzzer closes the control pipe.
func Serve(body func(data []byte) int) error {
	if err := Attach(); err != nil {
		return err
	}
	ctl := os.NewFile(ctlFD, "afl_ctl")
	st := os.NewFile(stFD, "afl_st")

	var word [4]byte
	if _, err := st.Write(word[:]); err != nil {
		return errors.Wrap(err, "write hello")
	}

	var pidWord [4]byte
	binary.NativeEndian.PutUint32(pidWord[:], uint32(os.Getpid()))

	for {
		if _, err := io.ReadFull(ctl, word[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read fork request")
		}
		if _, err := st.Write(pidWord[:]); err != nil {
			return errors.Wrap(err, "write pid")
		}

		data, err := readStagedInput()
		if err != nil {
			return errors.Wrap(err, "read input")
		}
		status := runBody(body, data)

		binary.NativeEndian.PutUint32(word[:], uint32(int32(status)))
		if _, err := st.Write(word[:]); err != nil {
			return errors.Wrap(err, "write status")
		}
	}
}

// readStagedInput re-reads stdin from the start. The fuzzer rewinds the
// shared offset before each round; the seek also covers the case where this
// process read the previous input already.
func readStagedInput() ([]byte, error) {
	if _, err := os.Stdin.Seek(0, io.SeekStart); err != nil {
		// Not seekable (e.g. a pipe when run by hand); read what is there.
		return io.ReadAll(os.Stdin)
	}
	return io.ReadAll(os.Stdin)
}

func runBody(body func([]byte) int, data []byte) (status int) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusSignal(int(unix.SIGABRT), true)
		}
	}()
	status = body(data)
	return status
}
