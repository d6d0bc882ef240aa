//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stealthrocket/tprof"
)

type options struct {
	multiThreaded  bool
	sharedTest     bool
	reportMode     string
	exportDot      bool
	dotMode        string
	exportGmon     bool
	exportPprof    bool
	resolveSymbols string
	sysmap         bool
}

func main() {
	log.Default().SetOutput(os.Stderr)

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("tprof failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tprof",
		Short:         "In-process function-level profiler demo driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.OutOrStdout(), opts)
		},
	}

	registerFlags(root.Flags(), opts)
	root.AddCommand(newExternalCommand())
	return root
}

func registerFlags(flags *pflag.FlagSet, opts *options) {
	flags.BoolVar(&opts.multiThreaded, "multi-threaded", false, "Run multi-threaded tests")
	flags.BoolVar(&opts.sharedTest, "shared-test", false, "Run shared function test (multiple threads call same functions)")
	flags.StringVar(&opts.reportMode, "report-mode", "per-thread", "Report mode: per-thread, merged, or both")
	flags.BoolVar(&opts.exportDot, "export-dot", false, "Export call graph to Graphviz DOT format")
	flags.StringVar(&opts.dotMode, "dot-mode", "merged", "DOT export mode: per-thread or merged")
	flags.BoolVar(&opts.exportGmon, "export-gmon", false, "Export gmon.out binary file for gprof analysis")
	flags.BoolVar(&opts.exportPprof, "export-pprof", false, "Export a pprof profile")
	flags.StringVar(&opts.resolveSymbols, "resolve-symbols", "", "Resolve addresses against the given ELF file or System.map (default /proc/self/exe)")
	flags.Lookup("resolve-symbols").NoOptDefVal = "/proc/self/exe"
	flags.BoolVar(&opts.sysmap, "sysmap", false, "Treat the --resolve-symbols path as a System.map file")
}

func newExternalCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "external <binary> [args...]",
		Short:         "Run an externally compiled-for-profiling binary and print its gprof report",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tprof.RunExternalProfile(args[0], args[1:], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runDemo(w io.Writer, opts *options) error {
	prof := tprof.New()
	prof.StartProfiling()

	var live *tprof.Thread
	switch {
	case opts.sharedTest:
		runSharedFunctionTest(prof)
	case opts.multiThreaded:
		runMultiThreadedTests(prof)
	default:
		live = runSingleThreadedTests(prof, w)
	}

	prof.StopProfiling()
	defer prof.CleanupSnapshots()
	if live != nil {
		defer live.Close()
	}

	switch opts.reportMode {
	case "per-thread":
		prof.WritePerThreadReports(w)
	case "merged":
		prof.WriteMergedReport(w)
	case "both":
		prof.WritePerThreadReports(w)
		prof.WriteMergedReport(w)
	default:
		fmt.Fprintf(w, "Unknown report mode: %s\nUsing default: per-thread\n", opts.reportMode)
		prof.WritePerThreadReports(w)
	}

	// Single-threaded runs export the live thread tables, matching the
	// reporting mode of the data just collected.
	merged := live == nil

	if opts.exportDot {
		var err error
		var path string
		if opts.dotMode == "per-thread" {
			path = "callgraph.dot"
			err = prof.ExportDotPerThread(path)
		} else {
			path = "callgraph_merged.dot"
			err = prof.ExportDotMerged(path)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Call graph exported to %s\n", path)
		fmt.Fprintf(w, "Generate image with: dot -Tpng %s -o callgraph.png\n", path)
	}

	if opts.exportGmon {
		if err := prof.ExportGmon("gmon.out", merged); err != nil {
			return err
		}
		fmt.Fprintln(w, "gmon.out exported")
		fmt.Fprintln(w, "Analyze with: gprof ./tprof gmon.out")
	}

	if opts.exportPprof {
		if err := prof.ExportProfile("profile.pb.gz", merged); err != nil {
			return err
		}
		fmt.Fprintln(w, "pprof profile exported to profile.pb.gz")
	}

	if opts.resolveSymbols != "" {
		symbols, err := tprof.LoadSymbolTable(opts.resolveSymbols, opts.sysmap)
		if err != nil {
			// The cross-report still runs: every function resolves to
			// not found against an empty table.
			slog.Warn("symbol load failed", "path", opts.resolveSymbols, "error", err)
		}
		tprof.WriteSymbolReport(w, symbols, prof.FunctionAddresses())
	}

	return nil
}
