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

import "log"

// Snapshot is a frozen deep copy of one thread's profiling state,
// owned by the profiler's snapshot registry. Snapshots are never
// mutated after publication.
type Snapshot struct {
	ThreadID  int
	functions *table[FunctionRecord]
	edges     *callerEdges
}

func deepCopyFunctions(src *table[FunctionRecord]) *table[FunctionRecord] {
	dst := newTable[FunctionRecord](functionTableCapacity)
	src.each(func(key string, value *FunctionRecord) {
		dst.insert(key).copyFrom(value)
	})
	return dst
}

// Publish deep-copies the thread's function table and caller-edge
// graph into the snapshot registry so they survive the thread's own
// teardown. A thread with no recorded functions publishes nothing.
// When the registry is full the publication is dropped with a warning;
// the caller is still expected to Close the thread.
func (t *Thread) Publish() {
	if t.functions.len() == 0 {
		return
	}

	snapshot := &Snapshot{
		ThreadID:  t.tid,
		functions: deepCopyFunctions(t.functions),
		edges:     t.edges.deepCopy(),
	}

	p := t.profiler
	p.snapshotMu.Lock()
	defer p.snapshotMu.Unlock()

	if len(p.snapshots) >= maxThreads {
		log.Printf("profiler: max threads exceeded, dropping snapshot of thread %d", t.tid)
		return
	}
	p.snapshots = append(p.snapshots, snapshot)
}

// SnapshotCount returns the number of published snapshots.
func (p *Profiler) SnapshotCount() int {
	p.snapshotMu.Lock()
	defer p.snapshotMu.Unlock()
	return len(p.snapshots)
}

// CleanupSnapshots drops every published snapshot.
func (p *Profiler) CleanupSnapshots() {
	p.snapshotMu.Lock()
	defer p.snapshotMu.Unlock()
	p.snapshots = nil
}

// FunctionAddress pairs a profiled function name with the runtime
// address captured at its first registration.
type FunctionAddress struct {
	Name string
	Addr uintptr
}

// FunctionAddresses returns one entry per function name reachable from
// the published snapshots, deduplicated by name with the first captured
// address winning, sorted by name. It is the universe handed to the
// symbol cross-report.
func (p *Profiler) FunctionAddresses() []FunctionAddress {
	seen := make(map[string]uintptr)
	var names []string

	p.snapshotMu.Lock()
	for _, snapshot := range p.snapshots {
		snapshot.functions.each(func(key string, value *FunctionRecord) {
			if _, ok := seen[key]; !ok {
				seen[key] = value.Addr
				names = append(names, key)
			}
		})
	}
	p.snapshotMu.Unlock()

	sortStrings(names)
	funcs := make([]FunctionAddress, len(names))
	for i, name := range names {
		funcs[i] = FunctionAddress{Name: name, Addr: seen[name]}
	}
	return funcs
}
