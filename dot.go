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

package tprof

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// maxMergedEdges bounds the distinct (caller, callee) pairs of the
// merged graph export; pairs past the limit are discarded.
const maxMergedEdges = 10_000

// colorForPercentage maps one self-time percentage to a DOT fill color.
func colorForPercentage(percent float64) string {
	switch {
	case percent > 20.0:
		return "#FF0000"
	case percent > 10.0:
		return "#FF8800"
	case percent > 5.0:
		return "#FFFF00"
	case percent > 1.0:
		return "#88FF88"
	default:
		return "#AAAAFF"
	}
}

// ExportDotPerThread writes a Graphviz document with one dashed cluster
// per published snapshot. Node keys are prefixed with the thread id so
// the same function appears once per thread.
func (p *Profiler) ExportDotPerThread(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exporting call graph: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	p.writeDotPerThread(w)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("exporting call graph: %w", err)
	}
	return nil
}

func (p *Profiler) writeDotPerThread(w io.Writer) {
	p.snapshotMu.Lock()
	snapshots := slices.Clone(p.snapshots)
	p.snapshotMu.Unlock()

	fmt.Fprintln(w, "digraph CallGraph {")
	fmt.Fprintln(w, "    rankdir=LR;")
	fmt.Fprintln(w, "    node [shape=box, style=filled];")
	fmt.Fprintln(w)

	// Percentages are against the global total across all snapshots.
	totalSelf := uint64(0)
	for _, snapshot := range snapshots {
		snapshot.functions.each(func(_ string, f *FunctionRecord) {
			totalSelf += f.SelfTicks.Load()
		})
	}

	for _, snapshot := range snapshots {
		fmt.Fprintf(w, "    // Thread %d\n", snapshot.ThreadID)
		fmt.Fprintf(w, "    subgraph cluster_%d {\n", snapshot.ThreadID)
		fmt.Fprintf(w, "        label=\"Thread %d\";\n", snapshot.ThreadID)
		fmt.Fprintf(w, "        style=dashed;\n")

		rows, _ := collectRows(snapshot.functions)
		for _, r := range rows {
			percent := 0.0
			if totalSelf > 0 {
				percent = float64(r.self) * 100.0 / float64(totalSelf)
			}
			fmt.Fprintf(w, "        \"T%d_%s\" [label=\"%s\\n%.1f%%\\n%d calls\", fillcolor=\"%s\"];\n",
				snapshot.ThreadID, r.name, r.name, percent, r.calls, colorForPercentage(percent))
		}
		fmt.Fprintln(w, "    }")
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "    // Call relationships")
	for _, snapshot := range snapshots {
		type edge struct {
			caller, callee string
			count          uint64
		}
		var edges []edge
		snapshot.edges.each(func(caller, callee string, count uint64) {
			edges = append(edges, edge{caller, callee, count})
		})
		slices.SortFunc(edges, func(a, b edge) bool {
			if a.caller != b.caller {
				return a.caller < b.caller
			}
			return a.callee < b.callee
		})
		for _, e := range edges {
			fmt.Fprintf(w, "    \"T%d_%s\" -> \"T%d_%s\" [label=\"%d\"];\n",
				snapshot.ThreadID, e.caller, snapshot.ThreadID, e.callee, e.count)
		}
	}

	fmt.Fprintln(w, "}")
}

// ExportDotMerged writes a Graphviz document with one node per function
// name and edges aggregated across every published snapshot.
func (p *Profiler) ExportDotMerged(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exporting merged call graph: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	p.writeDotMerged(w)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("exporting merged call graph: %w", err)
	}
	return nil
}

func (p *Profiler) writeDotMerged(w io.Writer) {
	rows := p.mergeSnapshots()

	fmt.Fprintln(w, "digraph MergedCallGraph {")
	fmt.Fprintln(w, "    rankdir=LR;")
	fmt.Fprintln(w, "    node [shape=box, style=filled];")
	fmt.Fprintln(w)

	totalSelf := uint64(0)
	for _, r := range rows {
		totalSelf += r.self
	}

	fmt.Fprintln(w, "    // Functions (merged from all threads)")
	for _, r := range rows {
		if r.calls == 0 {
			continue
		}
		percent := 0.0
		if totalSelf > 0 {
			percent = float64(r.self) * 100.0 / float64(totalSelf)
		}
		fmt.Fprintf(w, "    \"%s\" [label=\"%s\\n%.1f%%\\n%d calls\\n%d threads\", fillcolor=\"%s\"];\n",
			r.name, r.name, percent, r.calls, r.threads, colorForPercentage(percent))
	}

	type pair struct{ caller, callee string }
	counts := make(map[pair]uint64)
	dropped := false

	p.snapshotMu.Lock()
	for _, snapshot := range p.snapshots {
		snapshot.edges.each(func(caller, callee string, count uint64) {
			key := pair{caller, callee}
			if _, ok := counts[key]; !ok && len(counts) >= maxMergedEdges {
				dropped = true
				return
			}
			counts[key] += count
		})
	}
	p.snapshotMu.Unlock()

	if dropped {
		log.Printf("profiler: merged call graph edge table full, discarding edges past %d pairs", maxMergedEdges)
	}

	pairs := maps.Keys(counts)
	slices.SortFunc(pairs, func(a, b pair) bool {
		if a.caller != b.caller {
			return a.caller < b.caller
		}
		return a.callee < b.callee
	})

	fmt.Fprintln(w)
	fmt.Fprintln(w, "    // Call relationships")
	for _, key := range pairs {
		fmt.Fprintf(w, "    \"%s\" -> \"%s\" [label=\"%d\"];\n", key.caller, key.callee, counts[key])
	}

	fmt.Fprintln(w, "}")
}
