// Package corpus owns the fuzzer's persistent state: the on-disk seed queue,
// the crash folder, the global coverage set and the edge-to-seeds reverse
// index. Seeds are append-only; nothing here ever shrinks.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "corpus")

// Corpus bundles the seed queue with its derived indices. It is owned by the
// main loop and must not be shared across goroutines.
type Corpus struct {
	queueDir string
	crashDir string

	seeds  []*Seed
	global map[int]struct{} // union of every admitted seed's coverage
	byEdge map[int][]int    // edge -> ids of seeds covering it, admission order
}

// New creates the queue and crashes folders if needed and returns an empty
// corpus rooted there.
func New(queueDir, crashDir string) (*Corpus, error) {
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create queue folder")
	}
	if err := os.MkdirAll(crashDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create crashes folder")
	}
	return &Corpus{
		queueDir: queueDir,
		crashDir: crashDir,
		global:   make(map[int]struct{}),
		byEdge:   make(map[int][]int),
	}, nil
}

// Len returns the number of admitted seeds.
func (c *Corpus) Len() int {
	return len(c.seeds)
}

// Get returns the seed with the given id. Ids are dense, so this is a plain
// slice lookup.
func (c *Corpus) Get(id int) *Seed {
	return c.seeds[id]
}

// Seeds returns the live queue. Callers may toggle the Favoured flags but
// must not grow or reorder the slice.
func (c *Corpus) Seeds() []*Seed {
	return c.seeds
}

// Global returns the global coverage set as a read-only view.
func (c *Corpus) Global() map[int]struct{} {
	return c.global
}

// EdgeIndex returns the edge-to-seed-ids index as a read-only view.
func (c *Corpus) EdgeIndex() map[int][]int {
	return c.byEdge
}

// Admit records an input that discovered new coverage as the next seed. The
// input bytes are written to <queue>/id_<id>, the global coverage set and the
// edge index are updated. An input whose edges are already fully covered is
// rejected; the caller is expected to have checked this via feedback.
func (c *Corpus) Admit(data []byte, edges []int, execTime float64) (*Seed, error) {
	covered := true
	for _, e := range edges {
		if _, seen := c.global[e]; !seen {
			covered = false
			break
		}
	}
	if covered {
		return nil, errors.New("input adds no new coverage")
	}

	id := len(c.seeds)
	path := filepath.Join(c.queueDir, fmt.Sprintf("id_%d", id))
	if err := writeFileAtomic(path, data); err != nil {
		return nil, errors.Wrapf(err, "write seed %d", id)
	}

	coverage := append([]int(nil), edges...)
	seed := &Seed{
		ID:       id,
		Path:     path,
		Coverage: coverage,
		ExecTime: execTime,
		Size:     len(data),
	}
	c.seeds = append(c.seeds, seed)
	for _, e := range coverage {
		c.global[e] = struct{}{}
		c.byEdge[e] = append(c.byEdge[e], id)
	}

	log.WithFields(logrus.Fields{
		"seed":     id,
		"edges":    len(coverage),
		"coverage": len(c.global),
	}).Info("Admitted new seed")
	return seed, nil
}

// SaveCrash persists a crashing input under the crashes folder as
// crash_<unix_ts>[_<origin_basename>]. There is no deduplication beyond the
// filename itself.
func (c *Corpus) SaveCrash(data []byte, originPath string, status int) (string, error) {
	name := fmt.Sprintf("crash_%d", time.Now().Unix())
	if originPath != "" {
		name = fmt.Sprintf("%s_%s", name, filepath.Base(originPath))
	}
	path := filepath.Join(c.crashDir, name)
	if err := writeFileAtomic(path, data); err != nil {
		return "", errors.Wrap(err, "write crash")
	}
	log.WithFields(logrus.Fields{
		"path":   path,
		"status": status,
	}).Info("Saved crash input")
	return path, nil
}

// writeFileAtomic writes data via a temp file in the same directory followed
// by a rename, so an interrupted fuzzer never leaves a half-written seed or
// crash behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
