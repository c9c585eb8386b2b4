// Command flamingo-session opens one control connection to a Flamingo
// light-sheet controller, runs a single workflow, and prints the result.
// It stands in for the GUI spec.md explicitly places out of scope,
// mirroring appserver.go's AppServerMain in how it parses flags and
// drives the session.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/uwloci/flamingo-core/flamingo"
)

func main() {
	var controlIP = pflag.StringP("host", "H", "", "Controller IP address (leave empty to discover via mDNS).")
	var controlPort = pflag.IntP("port", "p", 53717, "Controller command port.")
	var configPath = pflag.StringP("config", "c", "", "YAML config file overriding defaults.")
	var opcodesPath = pflag.StringP("opcodes", "o", "", "Opcode table resource (required).")
	var workDir = pflag.StringP("work-dir", "w", ".", "Working directory for workflow/settings/audit files.")
	var x = pflag.Float64P("x", "x", 0, "Target X position (mm).")
	var y = pflag.Float64P("y", "y", 0, "Target Y position (mm).")
	var z = pflag.Float64P("z", "z", 0, "Target Z position (mm).")
	var r = pflag.Float64P("r", "r", 0, "Target rotation (degrees).")
	var discoverTimeout = pflag.Duration("discover-timeout", 5*time.Second, "How long to wait for mDNS discovery.")
	var help = pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: flamingo-session [options]\n\n")
		fmt.Fprintf(os.Stderr, "Connects to a Flamingo controller, moves to (x, y, z, r), and runs a\nsnapshot workflow there.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	logger := log.Default()

	if *opcodesPath == "" {
		logger.Fatal("-opcodes is required")
	}
	opcodeFile, err := os.Open(*opcodesPath)
	if err != nil {
		logger.Fatalf("opening opcode table: %v", err)
	}
	opcodes, err := flamingo.LoadOpcodeTable(opcodeFile)
	opcodeFile.Close()
	if err != nil {
		logger.Fatalf("loading opcode table: %v", err)
	}

	cfg := flamingo.DefaultConfig()
	if *configPath != "" {
		cfgFile, err := os.Open(*configPath)
		if err != nil {
			logger.Fatalf("opening config: %v", err)
		}
		cfg, err = flamingo.LoadConfig(cfgFile)
		cfgFile.Close()
		if err != nil {
			logger.Fatalf("loading config: %v", err)
		}
	}
	cfg.WorkDir = *workDir
	if *controlPort != 0 {
		cfg.ControlPort = *controlPort
	}

	ctx := context.Background()

	cfg.ControlIP = *controlIP
	if cfg.ControlIP == "" {
		addr, err := flamingo.DiscoverController(ctx, *discoverTimeout)
		if err != nil {
			logger.Fatalf("no -host given and mDNS discovery failed: %v", err)
		}
		logger.Infof("discovered controller at %s", addr)
		host, port, err := splitHostPort(addr)
		if err != nil {
			logger.Fatalf("parsing discovered address %q: %v", addr, err)
		}
		cfg.ControlIP = host
		cfg.ControlPort = port
	}

	session, err := flamingo.Open(ctx, cfg, opcodes, logger)
	if err != nil {
		logger.Fatalf("opening session: %v", err)
	}
	defer session.Close()

	target := flamingo.NewPosition(*x, *y, *z, *r)
	if err := session.MoveTo(ctx, target, true); err != nil {
		logger.Fatalf("move_to failed: %v", err)
	}

	result, err := session.RunWorkflow(ctx, flamingo.NewSnapshotWorkflow(target), "Snapshot")
	if err != nil {
		logger.Fatalf("run_workflow failed: %v", err)
	}
	if result.Frame != nil {
		fmt.Printf("snapshot at %s: %dx%d px, sharpness=%.4f\n",
			target, result.Frame.Width, result.Frame.Height, flamingo.Sharpness(*result.Frame))
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
