// demotarget runs one of the in-repo demo targets under the aflshm
// forkserver convention, for manual end-to-end fuzzing runs:
//
//	minilop -target demotarget -- -mode magic
package main

import (
	"flag"
	"log"

	"minilop.local/fuzz/aflshm"
	"minilop.local/fuzz/internal/targets"
)

var mode = flag.String("mode", "magic", "Demo target to serve: magic, crash, sleep or none")

func main() {
	flag.Parse()

	var body func([]byte) int
	switch *mode {
	case "magic":
		body = targets.MagicHeader
	case "crash":
		body = targets.Crasher
	case "sleep":
		body = targets.Sleeper
	case "none":
		body = targets.NoCoverage
	default:
		log.Fatalf("Unknown mode: %s", *mode)
	}

	if err := aflshm.Serve(body); err != nil {
		log.Fatalf("Forkserver loop failed: %v", err)
	}
}
