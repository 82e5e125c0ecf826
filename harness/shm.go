package harness

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"minilop.local/fuzz/feedback"
)

// ShmEnvVar carries the decimal SysV shm id to the target's instrumentation.
const ShmEnvVar = "__AFL_SHM_ID"

// Shm is the trace-bitmap shared memory segment. Bits is the mapped
// MAP_SIZE-byte buffer the target's instrumentation writes edge hits into.
type Shm struct {
	ID   int
	Bits []byte
}

// NewShm allocates and attaches a private MAP_SIZE-byte segment.
func NewShm() (*Shm, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, feedback.MapSize,
		unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return nil, errors.Wrap(err, "shmget")
	}
	bits, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, errors.Wrapf(err, "shmat id %d", id)
	}
	return &Shm{ID: id, Bits: bits}, nil
}

// Clear zeroes the bitmap. Called once per execution, before the fork
// request goes out.
func (s *Shm) Clear() {
	clear(s.Bits)
}

// Close marks the segment for removal and detaches it. Safe to call once on
// any exit path.
func (s *Shm) Close() error {
	if s.Bits == nil {
		return nil
	}
	_, ctlErr := unix.SysvShmCtl(s.ID, unix.IPC_RMID, nil)
	err := unix.SysvShmDetach(s.Bits)
	s.Bits = nil
	if ctlErr != nil {
		return errors.Wrap(ctlErr, "shmctl IPC_RMID")
	}
	return errors.Wrap(err, "shmdt")
}
