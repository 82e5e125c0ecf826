// Package harness owns the target process and the trace bitmap. It speaks
// the AFL forkserver protocol: the target is spawned once, then each
// execution is a 4-byte fork request answered by a child PID and a
// wait-style exit status on a pair of inherited pipes.
package harness

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"minilop.local/fuzz/feedback"
)

var log = logrus.WithField("component", "harness")

// The control pipe's read end and the status pipe's write end must land on
// these descriptors in the child; AFL-instrumented targets hardcode them.
const (
	CtlFD = 198 // fuzzer -> target
	StFD  = 199 // target -> fuzzer
)

const (
	helloTimeout = 5 * time.Second // forkserver must say hello within this
	drainTimeout = time.Second     // status resync window after a SIGKILL
)

// Options configures a Forkserver.
type Options struct {
	Target    string        // path to the instrumented target binary
	Args      []string      // extra argv entries after the binary name
	InputPath string        // staged input file, becomes the target's stdin
	Timeout   time.Duration // per-execution wall clock budget
}

// Forkserver runs the target on whatever bytes are currently staged at the
// input path. One execution is in flight at a time; all methods must be
// called from the owning loop.
type Forkserver struct {
	opts Options
	shm  *Shm

	// The input file stays open for the fuzzer's whole lifetime: the child's
	// stdin shares this open file description, so Stage rewinds it rather
	// than replacing the file.
	input *os.File

	proc     *os.Process
	ctlWrite *os.File
	stRead   *os.File

	spawn func() error
}

// New allocates the shared-memory bitmap, spawns the forkserver and waits
// for its hello. Any failure here is an initialisation error.
func New(opts Options) (*Forkserver, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	shm, err := NewShm()
	if err != nil {
		return nil, err
	}
	input, err := os.OpenFile(opts.InputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		shm.Close()
		return nil, errors.Wrap(err, "open staged input")
	}
	f := &Forkserver{opts: opts, shm: shm, input: input}
	f.spawn = f.spawnTarget
	if err := f.spawn(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "spawn forkserver")
	}
	return f, nil
}

// TraceBits exposes the trace bitmap for feedback observation. Valid only
// between a completed RunOnce and the next one.
func (f *Forkserver) TraceBits() []byte {
	return f.shm.Bits
}

// Stage rewinds the staged input file and overwrites it with data. The
// rewrite is in place: the child's stdin shares the file description, and
// the final seek puts the shared offset back at zero for the next child.
func (f *Forkserver) Stage(data []byte) error {
	if _, err := f.input.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek input")
	}
	if _, err := f.input.Write(data); err != nil {
		return errors.Wrap(err, "write input")
	}
	if err := f.input.Truncate(int64(len(data))); err != nil {
		return errors.Wrap(err, "truncate input")
	}
	_, err := f.input.Seek(0, io.SeekStart)
	return errors.Wrap(err, "rewind input")
}

// RunOnce executes the target once on the staged input and returns the
// wait-style status and the elapsed seconds. A control-channel failure is
// retried once after respawning the forkserver; the second failure is fatal.
func (f *Forkserver) RunOnce() (status int, elapsed float64, err error) {
	status, elapsed, err = f.execOnce()
	if err == nil {
		return status, elapsed, nil
	}
	log.WithError(err).Warn("Forkserver channel failure, respawning target")
	f.teardownTarget()
	if rerr := f.spawn(); rerr != nil {
		return 0, 0, errors.Wrap(rerr, "respawn forkserver")
	}
	status, elapsed, err = f.execOnce()
	if err != nil {
		return 0, 0, errors.Wrap(err, "execution failed after respawn")
	}
	return status, elapsed, nil
}

// execOnce performs one protocol round: clear bitmap, fork request, PID,
// status. The timeout covers the whole round; when it fires on the status
// read the child is killed and the synthetic timeout status is reported.
func (f *Forkserver) execOnce() (int, float64, error) {
	f.shm.Clear()
	start := time.Now()
	deadline := start.Add(f.opts.Timeout)

	var word [4]byte
	if _, err := f.ctlWrite.Write(word[:]); err != nil {
		return 0, 0, errors.Wrap(err, "write fork request")
	}

	f.stRead.SetReadDeadline(deadline)
	if _, err := io.ReadFull(f.stRead, word[:]); err != nil {
		return 0, 0, errors.Wrap(err, "read child pid")
	}
	childPid := int(int32(binary.NativeEndian.Uint32(word[:])))

	f.stRead.SetReadDeadline(deadline)
	if _, err := io.ReadFull(f.stRead, word[:]); err != nil {
		if !os.IsTimeout(err) {
			return 0, 0, errors.Wrap(err, "read exit status")
		}
		// The child overran its budget. Kill it, then drain the status the
		// forkserver writes for the kill so the channel stays in sync.
		elapsed := time.Since(start).Seconds()
		if childPid > 0 {
			unix.Kill(childPid, unix.SIGKILL)
		}
		f.stRead.SetReadDeadline(time.Now().Add(drainTimeout))
		if _, err := io.ReadFull(f.stRead, word[:]); err != nil {
			return 0, 0, errors.Wrap(err, "drain status after timeout kill")
		}
		return feedback.StatusTimeout, elapsed, nil
	}
	return int(binary.NativeEndian.Uint32(word[:])), time.Since(start).Seconds(), nil
}

// spawnTarget starts the target with the control pipes on CtlFD/StFD, stdin
// on the staged input and stdout/stderr discarded, then reads the 4-byte
// hello.
func (f *Forkserver) spawnTarget() error {
	ctlRead, ctlWrite, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "ctl pipe")
	}
	stRead, stWrite, err := os.Pipe()
	if err != nil {
		ctlRead.Close()
		ctlWrite.Close()
		return errors.Wrap(err, "st pipe")
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		ctlRead.Close()
		ctlWrite.Close()
		stRead.Close()
		stWrite.Close()
		return errors.Wrap(err, "open devnull")
	}

	// Pad the descriptor table with /dev/null so the pipe ends land exactly
	// on the descriptors the target's instrumentation expects.
	files := make([]*os.File, StFD+1)
	for i := range files {
		files[i] = devnull
	}
	files[0] = f.input
	files[CtlFD] = ctlRead
	files[StFD] = stWrite

	proc, err := os.StartProcess(f.opts.Target,
		append([]string{f.opts.Target}, f.opts.Args...),
		&os.ProcAttr{
			Env:   append(os.Environ(), fmt.Sprintf("%s=%d", ShmEnvVar, f.shm.ID)),
			Files: files,
		})
	ctlRead.Close()
	stWrite.Close()
	devnull.Close()
	if err != nil {
		ctlWrite.Close()
		stRead.Close()
		return errors.Wrapf(err, "start target %s", f.opts.Target)
	}
	f.proc = proc
	f.ctlWrite = ctlWrite
	f.stRead = stRead

	stRead.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello [4]byte
	if _, err := io.ReadFull(f.stRead, hello[:]); err != nil {
		f.teardownTarget()
		return errors.Wrap(err, "forkserver hello")
	}
	log.WithField("pid", proc.Pid).Info("Forkserver is up")
	return nil
}

// teardownTarget closes the control channel and reaps the target process.
func (f *Forkserver) teardownTarget() {
	if f.ctlWrite != nil {
		f.ctlWrite.Close()
		f.ctlWrite = nil
	}
	if f.stRead != nil {
		f.stRead.Close()
		f.stRead = nil
	}
	if f.proc != nil {
		f.proc.Kill()
		f.proc.Wait()
		f.proc = nil
	}
}

// Close releases the target, the staged input and the shared-memory segment.
// Safe on every exit path.
func (f *Forkserver) Close() error {
	f.teardownTarget()
	var err error
	if f.input != nil {
		err = f.input.Close()
		f.input = nil
	}
	if f.shm != nil {
		if cerr := f.shm.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
