// minilop is a lightweight coverage-guided grey-box fuzzer for targets
// instrumented with the AFL shared-memory convention.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"minilop.local/fuzz/corpus"
	"minilop.local/fuzz/fuzzer"
	"minilop.local/fuzz/harness"
	"minilop.local/fuzz/internal/config"
	"minilop.local/fuzz/mutation"
)

var (
	configPath    = flag.String("config", "", "Path to a YAML config file")
	targetBinary  = flag.String("target", "", "Path to the instrumented target binary")
	seedsFolder   = flag.String("seeds", "", "Folder with the initial corpus")
	queueFolder   = flag.String("queue", "", "Folder where admitted seeds are stored")
	crashesFolder = flag.String("crashes", "", "Folder where crashing inputs are stored")
	currentInput  = flag.String("input", "", "Staged input file path")
	timeoutMs     = flag.Int("timeout_ms", 0, "Per-execution timeout in milliseconds (default 1000)")
	dictPath      = flag.String("dict", "", "Optional AFL-style dictionary file")
	rngSeed       = flag.Int64("rng_seed", 0, "RNG seed for reproducible runs (0 = time-based)")
	verbose       = flag.Bool("v", false, "Enable debug logging")
)

const (
	exitOk    = 0
	exitInit  = 1
	exitFatal = 2
)

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	fmt.Println("====== Welcome to use Mini-Lop ======")
	os.Exit(run())
}

func run() int {
	log := logrus.WithField("component", "main")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("Config file is not valid")
			return exitInit
		}
		cfg = loaded
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Config file is not valid")
		return exitInit
	}

	var dict [][]byte
	if cfg.Dictionary != "" {
		tokens, err := mutation.LoadDictionary(cfg.Dictionary)
		if err != nil {
			log.WithError(err).Error("Cannot load dictionary")
			return exitInit
		}
		dict = tokens
	}

	seed := *rngSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	log.WithField("rng_seed", seed).Debug("Randomness seeded")

	store, err := corpus.New(cfg.QueueFolder, cfg.CrashesFolder)
	if err != nil {
		log.WithError(err).Error("Cannot set up working folders")
		return exitInit
	}

	fs, err := harness.New(harness.Options{
		Target:    cfg.TargetBinary,
		Args:      cfg.TargetArgs,
		InputPath: cfg.CurrentInput,
		Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.WithError(err).Error("Cannot start the execution harness")
		return exitInit
	}
	defer fs.Close()

	fz := fuzzer.New(fs, store, fuzzer.Options{
		SeedsDir: cfg.SeedsFolder,
		Dict:     dict,
		Rng:      rng,
	})
	if err := fz.DryRun(); err != nil {
		log.WithError(err).Error("Dry run failed")
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting fuzzing, press Ctrl+C to stop")
	if err := fz.Loop(ctx); err != nil {
		log.WithError(err).Error("Fuzzing loop failed")
		return exitFatal
	}

	log.WithFields(logrus.Fields{
		"execs":    fz.Execs(),
		"seeds":    store.Len(),
		"coverage": len(store.Global()),
		"cycles":   fz.Cycle(),
	}).Info("Fuzzing session ended")
	for _, op := range []mutation.Operator{mutation.OpHavoc, mutation.OpSplice} {
		st := fz.Strategy().Stats(op)
		log.WithFields(logrus.Fields{
			"operator": op.String(),
			"uses":     st.Uses,
			"reward":   st.CoverageReward,
			"crashes":  st.Crashes,
		}).Info("Operator stats")
	}
	return exitOk
}

// applyFlags overlays any explicitly-set command-line option onto the
// configuration.
func applyFlags(cfg *config.Config) {
	if *targetBinary != "" {
		cfg.TargetBinary = *targetBinary
	}
	if args := flag.Args(); len(args) > 0 {
		cfg.TargetArgs = args
	}
	if *seedsFolder != "" {
		cfg.SeedsFolder = *seedsFolder
	}
	if *queueFolder != "" {
		cfg.QueueFolder = *queueFolder
	}
	if *crashesFolder != "" {
		cfg.CrashesFolder = *crashesFolder
	}
	if *currentInput != "" {
		cfg.CurrentInput = *currentInput
	}
	if *timeoutMs > 0 {
		cfg.TimeoutMs = *timeoutMs
	}
	if *dictPath != "" {
		cfg.Dictionary = *dictPath
	}
}
