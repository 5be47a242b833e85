// manifest-index loads the driver manifests, builds the fingerprint index and prints every
// conflict found while building it.
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/config"
	"github.com/dlnraja/com.tuya.zigbee-sub048/diagnostics"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/golog"
	"io"
	"log"
	"os"
	"strings"
)

const (
	exitSuccess  = 0
	exitFailure  = 1
	exitConflict = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("manifest-index", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "path to the hub configuration file")
	dir := fs.String("dir", "", "manifest directory, overrides the configuration")
	out := fs.String("diagnostics", "", "write conflict records as CBOR to this file")
	verbose := fs.Bool("v", false, "log index construction")
	strict := fs.Bool("strict", false, "exit with status 2 when any descriptor is shadowed")

	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitFailure
	}

	if *dir != "" {
		cfg.Manifests.Dir = *dir
	}

	output := io.Discard
	if *verbose {
		output = stderr
	}

	l := logwrap.New(golog.Wrap(log.New(output, "", log.LstdFlags)))
	ctx := context.Background()

	store, err := manifest.LoadDir(cfg.Manifests.Dir)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load manifests: %v\n", err)
		return exitFailure
	}

	idx, report, err := fingerprint.BuildResolved(ctx, l, store.Descriptors(), cfg.Manifests.SharedKeys)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to build fingerprint index: %v\n", err)
		return exitFailure
	}

	recorders := []diagnostics.Recorder{diagnostics.NewLogRecorder(l)}

	if *out != "" {
		fr, err := diagnostics.NewFileRecorder(*out)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open diagnostics file: %v\n", err)
			return exitFailure
		}

		defer fr.Close()
		recorders = append(recorders, fr.WithLogger(l))
	}

	diagnostics.New(diagnostics.Multi(recorders...)).Report(ctx, report)

	printReport(stdout, idx, report)

	if *strict && len(report.Shadowed()) > 0 {
		return exitConflict
	}

	return exitSuccess
}

func printReport(w io.Writer, idx *fingerprint.Index, r fingerprint.Report) {
	fmt.Fprintf(w, "descriptors: %d\n", idx.DescriptorCount())
	fmt.Fprintf(w, "buckets:     %d\n", idx.BucketCount())
	fmt.Fprintf(w, "conflicts:   %d\n", len(r.Conflicts))

	for _, c := range r.Conflicts {
		if c.Shared {
			fmt.Fprintf(w, "\nshared %s\n  candidates: %s\n", c.Key, strings.Join(c.Ranked, ", "))
			continue
		}

		fmt.Fprintf(w, "\nbucket %s\n  owner:    %s\n  shadowed: %s\n", c.Key, c.Owner, strings.Join(c.Shadowed, ", "))

		if len(c.Refined) > 0 {
			fmt.Fprintf(w, "  refined:  %s\n", strings.Join(c.Refined, ", "))
		}
	}
}
