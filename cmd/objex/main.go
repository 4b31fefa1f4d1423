// Command objex runs either a capture pass against the local process or an
// explore daemon that serves a captured snapshot's Analysis Indexer output
// over the Query API, per spec.md §6's two-subcommand CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kurtbrose/objex/internal/app"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "capture":
		err = runCapture(os.Args[2:])
	case "explore":
		err = runExplore(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "objex: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "objex: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: objex <capture|explore> [flags]

  capture   walk the local process's reachable object graph and write a
            snapshot to --destination
  explore   open an analysis artifact and serve the Query API over HTTP`)
}

func configFileFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("OBJEX_CONFIG_FILE")
	if def == "" {
		def = "/etc/objex/config.yaml"
	}
	return fs.String("config", def, "path to configuration file")
}

func runCapture(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	configFile := configFileFlag(fs)
	destination := fs.String("destination", "", "snapshot destination path (overrides config storage.artifact_path)")
	delay := fs.Duration("delay", 0, "wait this long before capturing")
	rssThreshold := fs.Uint64("rss-threshold-bytes", 0, "gate capture on the local process's RSS crossing this many bytes")
	scanTargets := fs.Bool("scan-targets", false, "run one Target Discovery pass and log eligible containers before capturing")
	exportCodec := fs.String("export-codec", "", "also write a compressed copy of the artifact (zstd, snappy, or lz4)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return app.RunCapture(context.Background(), app.CaptureOptions{
		ConfigFile:        *configFile,
		Destination:       *destination,
		Delay:             *delay,
		RSSThresholdBytes: *rssThreshold,
		ScanTargets:       *scanTargets,
		ExportCodec:       *exportCodec,
	})
}

func runExplore(args []string) error {
	fs := flag.NewFlagSet("explore", flag.ExitOnError)
	configFile := configFileFlag(fs)
	artifact := fs.String("artifact", "", "path to the analysis artifact to serve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *artifact == "" {
		return fmt.Errorf("explore: --artifact is required")
	}

	application, err := app.New(*configFile, *artifact)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run()
}
