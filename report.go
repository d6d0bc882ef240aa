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
	"fmt"
	"io"

	"golang.org/x/exp/slices"
)

const reportRule = "------------------------------------------------------------------------------------------------------------------------------------------"

func sortStrings(s []string) {
	slices.Sort(s)
}

// flatRow is one rendered line of a flat report.
type flatRow struct {
	name  string
	calls uint64
	wall  uint64
	self  uint64
	user  uint64
	sys   uint64
	wait  uint64
}

// collectRows gathers the records with at least one call, sorted by
// name, together with the table's total sampling ticks.
func collectRows(functions *table[FunctionRecord]) (rows []flatRow, totalSelf uint64) {
	functions.each(func(key string, f *FunctionRecord) {
		totalSelf += f.SelfTicks.Load()
		if f.CallCount == 0 {
			return
		}
		rows = append(rows, flatRow{
			name:  f.Name,
			calls: f.CallCount,
			wall:  f.WallTime,
			self:  f.SelfTicks.Load(),
			user:  f.UserTime,
			sys:   f.SysTime,
			wait:  f.WaitTime,
		})
	})
	slices.SortFunc(rows, func(a, b flatRow) bool { return a.name < b.name })
	return rows, totalSelf
}

func writeFlatTable(w io.Writer, rows []flatRow, totalSelf uint64) {
	fmt.Fprintf(w, "%-30s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Function", "Calls", "Total(ms)", "Self(ms)", "User(s)", "Sys(s)", "Wait(s)", "Self%", "Total/call")
	fmt.Fprintln(w, reportRule)

	for _, r := range rows {
		selfPercent := 0.0
		if totalSelf > 0 {
			selfPercent = float64(r.self) * 100.0 / float64(totalSelf)
		}
		fmt.Fprintf(w, "%-30s %10d %10.2f %10.2f %10.4f %10.4f %10.4f %9.2f%% %10.3f\n",
			r.name, r.calls,
			float64(r.wall)/1000.0,
			float64(r.self)/1000.0,
			float64(r.user)/1_000_000.0,
			float64(r.sys)/1_000_000.0,
			float64(r.wait)/1_000_000.0,
			selfPercent,
			float64(r.wall)/1000.0/float64(r.calls))
	}
	fmt.Fprintln(w, reportRule)
}

// WriteReport prints the thread's flat profile followed by a summary of
// the callers recorded for each function.
func (t *Thread) WriteReport(w io.Writer) {
	if t.functions == nil {
		return
	}

	fmt.Fprintf(w, "\n=== Profiling Results (Thread %d) ===\n", t.tid)
	rows, totalSelf := collectRows(t.functions)
	writeFlatTable(w, rows, totalSelf)

	if t.edges == nil {
		return
	}
	fmt.Fprintf(w, "\n--- Callers (counts) ---\n")
	for _, r := range rows {
		fmt.Fprintf(w, "%-30s <- ", r.name)

		type callerCount struct {
			name  string
			count uint64
		}
		var callers []callerCount
		t.edges.each(func(caller, callee string, count uint64) {
			if callee == r.name {
				callers = append(callers, callerCount{caller, count})
			}
		})
		slices.SortFunc(callers, func(a, b callerCount) bool { return a.name < b.name })

		if len(callers) == 0 {
			fmt.Fprintf(w, "[none]")
		}
		for _, c := range callers {
			fmt.Fprintf(w, "%s(%d) ", c.name, c.count)
		}
		fmt.Fprintln(w)
	}
}

func writeSnapshotReport(w io.Writer, snapshot *Snapshot) {
	if snapshot == nil || snapshot.functions == nil {
		return
	}
	fmt.Fprintf(w, "\n=== Thread %d Report ===\n", snapshot.ThreadID)
	rows, totalSelf := collectRows(snapshot.functions)
	writeFlatTable(w, rows, totalSelf)
}

// WritePerThreadReports prints one flat report per published snapshot,
// in publication order.
func (p *Profiler) WritePerThreadReports(w io.Writer) {
	p.snapshotMu.Lock()
	snapshots := slices.Clone(p.snapshots)
	p.snapshotMu.Unlock()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintln(w, "Per-Thread Profiling Reports")
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintf(w, "Total threads: %d\n", len(snapshots))

	for _, snapshot := range snapshots {
		writeSnapshotReport(w, snapshot)
	}
}

// mergedRow aggregates one function name across every snapshot.
type mergedRow struct {
	name    string
	addr    uintptr
	wall    uint64
	self    uint64
	user    uint64
	sys     uint64
	wait    uint64
	calls   uint64
	threads int
}

// mergeSnapshots allocates one row per registered function name, in
// registry order, and sums every accumulator across the published
// snapshots. The registry lock is released before the snapshot lock is
// taken.
func (p *Profiler) mergeSnapshots() []mergedRow {
	names := p.registryNames()
	index := make(map[string]int, len(names))
	rows := make([]mergedRow, len(names))
	for i, name := range names {
		rows[i].name = name
		index[name] = i
	}

	p.snapshotMu.Lock()
	defer p.snapshotMu.Unlock()

	for _, snapshot := range p.snapshots {
		snapshot.functions.each(func(key string, f *FunctionRecord) {
			if f.CallCount == 0 {
				return
			}
			i, ok := index[key]
			if !ok {
				return
			}
			r := &rows[i]
			if r.addr == 0 {
				r.addr = f.Addr
			}
			r.wall += f.WallTime
			r.self += f.SelfTicks.Load()
			r.user += f.UserTime
			r.sys += f.SysTime
			r.wait += f.WaitTime
			r.calls += f.CallCount
			r.threads++
		})
	}
	return rows
}

// WriteMergedReport prints one aggregate row per registered function,
// summed over every published snapshot.
func (p *Profiler) WriteMergedReport(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintln(w, "Merged Profiling Report (All Threads)")
	fmt.Fprintln(w, "================================================================================")

	count := p.SnapshotCount()
	fmt.Fprintf(w, "Total threads: %d\n", count)
	if count == 0 {
		fmt.Fprintln(w, "No thread data collected.")
		return
	}

	rows := p.mergeSnapshots()

	fmt.Fprintf(w, "\n%-30s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Function", "Calls", "Threads", "Total(ms)", "User(s)", "Sys(s)", "Wait(s)", "Avg/call", "Total/call")
	fmt.Fprintln(w, reportRule)

	for _, r := range rows {
		if r.calls == 0 {
			continue
		}
		totalMs := float64(r.wall) / 1000.0
		perCall := totalMs / float64(r.calls)
		fmt.Fprintf(w, "%-30s %10d %10d %10.2f %10.4f %10.4f %10.4f %10.3f %10.3f\n",
			r.name, r.calls, r.threads, totalMs,
			float64(r.user)/1_000_000.0,
			float64(r.sys)/1_000_000.0,
			float64(r.wait)/1_000_000.0,
			perCall, perCall)
	}
	fmt.Fprintln(w, reportRule)
}
