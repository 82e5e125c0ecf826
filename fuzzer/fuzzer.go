// Package fuzzer composes the harness, feedback, corpus, scheduler and
// mutation engine into the fuzzing loop.
package fuzzer

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"minilop.local/fuzz/corpus"
	"minilop.local/fuzz/feedback"
	"minilop.local/fuzz/mutation"
	"minilop.local/fuzz/schedule"
)

var log = logrus.WithField("component", "fuzzer")

// Executor runs the target on staged bytes and exposes the trace bitmap of
// the last execution. Implemented by harness.Forkserver; tests substitute
// an in-process fake.
type Executor interface {
	Stage(data []byte) error
	RunOnce() (status int, elapsed float64, err error)
	TraceBits() []byte
}

// Options configures a Fuzzer.
type Options struct {
	SeedsDir string     // initial corpus, read-only
	Dict     [][]byte   // optional dictionary tokens
	Rng      *rand.Rand // shared randomness source
}

// Fuzzer bundles all mutable fuzzing state. Everything is owned by the loop;
// nothing here is goroutine-safe.
type Fuzzer struct {
	exec  Executor
	store *corpus.Corpus
	sched *schedule.Scheduler
	mut   *mutation.Mutator
	strat *mutation.Strategy
	rng   *rand.Rand

	seedsDir      string
	totalExecTime float64
	execCount     int
}

// New wires up a fuzzer around an executor and a corpus.
func New(exec Executor, store *corpus.Corpus, opts Options) *Fuzzer {
	return &Fuzzer{
		exec:     exec,
		store:    store,
		sched:    schedule.NewScheduler(opts.Rng),
		mut:      mutation.NewMutator(opts.Rng, opts.Dict),
		strat:    mutation.NewStrategy(opts.Rng),
		rng:      opts.Rng,
		seedsDir: opts.SeedsDir,
	}
}

// Strategy exposes the bandit for shutdown reporting.
func (f *Fuzzer) Strategy() *mutation.Strategy {
	return f.strat
}

// Execs returns the number of harness executions performed so far.
func (f *Fuzzer) Execs() int {
	return f.execCount
}

// Cycle returns the number of completed queue cycles.
func (f *Fuzzer) Cycle() int {
	return f.sched.Cycle()
}

// DryRun executes every file in the seeds folder once and admits those that
// cover new edges. Timeouts and crashes among initial seeds are skipped.
// Admitting nothing is an initialisation failure.
func (f *Fuzzer) DryRun() error {
	entries, err := os.ReadDir(f.seedsDir)
	if err != nil {
		return errors.Wrap(err, "read seeds folder")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(f.seedsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read seed %s", entry.Name())
		}
		if err := f.exec.Stage(data); err != nil {
			return err
		}
		status, elapsed, err := f.exec.RunOnce()
		if err != nil {
			return err
		}
		f.recordExec(elapsed)

		switch feedback.Classify(status) {
		case feedback.OutcomeTimeout:
			log.WithField("seed", entry.Name()).Warn("Initial seed timed out, skipping")
			continue
		case feedback.OutcomeCrash:
			log.WithFields(logrus.Fields{
				"seed":   entry.Name(),
				"signal": feedback.SignalName(status),
			}).Warn("Initial seed crashed, skipping")
			continue
		}
		newFound, edges := feedback.Observe(f.exec.TraceBits(), f.store.Global())
		if !newFound {
			log.WithField("seed", entry.Name()).Debug("Initial seed adds no new coverage, skipping")
			continue
		}
		if _, err := f.store.Admit(data, edges, elapsed); err != nil {
			return err
		}
	}
	if f.store.Len() == 0 {
		return errors.New("dry run admitted no seeds")
	}
	schedule.RefreshFavoured(f.store)
	log.WithFields(logrus.Fields{
		"seeds":    f.store.Len(),
		"coverage": len(f.store.Global()),
	}).Info("Dry run finished")
	return nil
}

// Loop fuzzes until the context is cancelled. Each visit picks a seed, gives
// it an energy budget, and runs that many mutated inputs through the target.
// Any executor error is fatal; the harness has already retried once by the
// time it surfaces here.
func (f *Fuzzer) Loop(ctx context.Context) error {
	for ctx.Err() == nil {
		seed, newCycle := f.sched.SelectNext(f.store)
		if newCycle {
			schedule.RefreshFavoured(f.store)
			log.WithFields(logrus.Fields{
				"cycle":    f.sched.Cycle(),
				"seeds":    f.store.Len(),
				"coverage": len(f.store.Global()),
				"execs":    f.execCount,
			}).Info("Starting new queue cycle")
		}
		energy := schedule.Energy(seed, f.avgExecTime())
		for i := 0; i < energy && ctx.Err() == nil; i++ {
			if err := f.fuzzOne(seed); err != nil {
				return err
			}
		}
	}
	return nil
}

// fuzzOne derives one input from the seed, executes it, and routes the
// observation: timeouts earn nothing, crashes are persisted, new coverage is
// admitted. The coverage reward is counted before the global set grows.
func (f *Fuzzer) fuzzOne(seed *corpus.Seed) error {
	parent, err := os.ReadFile(seed.Path)
	if err != nil {
		return errors.Wrapf(err, "read seed %d", seed.ID)
	}

	op := f.strat.SelectOperator()
	var input []byte
	switch op {
	case mutation.OpSplice:
		if mateSeed := f.pickSpliceMate(seed); mateSeed != nil {
			mate, err := os.ReadFile(mateSeed.Path)
			if err != nil {
				return errors.Wrapf(err, "read seed %d", mateSeed.ID)
			}
			input = f.mut.Splice(parent, mate)
		} else {
			input = f.mut.Havoc(parent)
		}
	default:
		input = f.mut.Havoc(parent)
	}

	if err := f.exec.Stage(input); err != nil {
		return err
	}
	status, elapsed, err := f.exec.RunOnce()
	if err != nil {
		return err
	}
	f.recordExec(elapsed)

	switch feedback.Classify(status) {
	case feedback.OutcomeTimeout:
		f.strat.UpdateRewards(op, 0, false)
	case feedback.OutcomeCrash:
		if _, err := f.store.SaveCrash(input, seed.Path, status); err != nil {
			return err
		}
		f.strat.UpdateRewards(op, 0, true)
	default:
		edges := feedback.Coverage(f.exec.TraceBits())
		newEdges := feedback.CountNew(edges, f.store.Global())
		if newEdges > 0 {
			if _, err := f.store.Admit(input, edges, elapsed); err != nil {
				return err
			}
			schedule.RefreshFavoured(f.store)
			f.strat.UpdateRewards(op, newEdges, false)
		} else {
			f.strat.UpdateRewards(op, 0, false)
		}
	}
	return nil
}

// pickSpliceMate draws a second seed distinct from the current one, or nil
// when the queue is too small to splice.
func (f *Fuzzer) pickSpliceMate(seed *corpus.Seed) *corpus.Seed {
	if f.store.Len() < 2 {
		return nil
	}
	idx := f.rng.Intn(f.store.Len() - 1)
	if idx >= seed.ID {
		idx++
	}
	return f.store.Get(idx)
}

func (f *Fuzzer) recordExec(elapsed float64) {
	f.totalExecTime += elapsed
	f.execCount++
}

func (f *Fuzzer) avgExecTime() float64 {
	if f.execCount == 0 {
		return 0
	}
	return f.totalExecTime / float64(f.execCount)
}
