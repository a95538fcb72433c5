// Command hopview is a minimal CLI boundary over the hop consumer: version
// and help flags, a poll-interval and snapshot-path flag, and attaching to a
// PID, without pulling any of it into package hop itself. No rendering, no
// windowing, no child-process launching, no process discovery by name.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	hop "github.com/reicrof/hop-sub001"
	"go.uber.org/zap"
)

const usage = `usage: hopview [-v] [-h] [-poll <dur>] [-snapshot <path>] <pid>

  -v                 print version and exit
  -h                 print this help and exit
  -poll <dur>        ring poll interval, e.g. 5ms, 2d (default 2ms)
  -snapshot <path>   on exit, save a profiler snapshot to this path

hopview attaches to a producer already running in this process and drains
it until interrupted. Launching an executable (-e) and discovering a
process by name are not implemented by this boundary; pass a PID directly.
`

const (
	exitNormal              = 0
	exitLaunchFailed        = -1
	exitPlatformUnsupported = -2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("hopview", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	var (
		showVersion = fs.Bool("v", false, "print version and exit")
		showHelp    = fs.Bool("h", false, "print help and exit")
		exePath     = fs.String("e", "", "launch-and-attach (not implemented in this boundary)")
		pollFlag    = fs.String("poll", "2ms", "ring poll interval")
		snapshot    = fs.String("snapshot", "", "save a snapshot to this path on exit")
	)
	if err := fs.Parse(args); err != nil {
		return exitLaunchFailed
	}

	if *showVersion {
		fmt.Printf("hopview %.3f (core)\n", hop.CoreVersion)
		return exitNormal
	}
	if *showHelp {
		fs.Usage()
		return exitNormal
	}
	if *exePath != "" {
		fmt.Fprintln(os.Stderr, "hopview: -e launch-and-attach is out of scope for this boundary")
		return exitLaunchFailed
	}

	rest := fs.Args()
	if len(rest) != 1 {
		fs.Usage()
		return exitLaunchFailed
	}

	pid, err := parseTarget(rest[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "hopview:", err)
		return exitLaunchFailed
	}

	poll, err := hop.ParseDuration(*pollFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hopview: -poll:", err)
		return exitLaunchFailed
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	consumer, err := hop.AttachConsumer(hop.ConsumerConfig{
		PID:          pid,
		PollInterval: poll,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "hopview: attach:", err)
		return exitLaunchFailed
	}
	consumer.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			consumer.Stop()
			if *snapshot != "" {
				if err := saveSnapshot(consumer, *snapshot); err != nil {
					fmt.Fprintln(os.Stderr, "hopview: snapshot:", err)
				}
			}
			return exitNormal
		case <-ticker.C:
			s := consumer.Profiler.Stats()
			fmt.Printf("threads=%d traces=%d lockwaits=%d spilled=%d\n",
				s.ThreadCount, s.TotalTraces, s.TotalLockWait, s.SpilledBlocks)
		}
	}
}

func saveSnapshot(c *hop.Consumer, path string) error {
	defer c.Profiler.Close()
	return c.Profiler.SaveSnapshot(hop.SanitizeFilename(path))
}

// parseTarget accepts a bare PID; process discovery by name is
// platform-specific and out of scope here, so names are rejected explicitly
// rather than guessed at.
func parseTarget(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("process discovery by name is not implemented by this boundary, pass a PID: %w", err)
	}
	return pid, nil
}
