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

// Package tprof is an in-process function-level profiler for
// multi-threaded programs. A program instruments its own functions with
// enter/leave scopes on a per-OS-thread handle; the profiler
// accumulates wall, user-CPU, kernel-CPU, wait, and sampling-tick times
// per function and per thread, together with invocation counts and
// caller→callee edge multiplicities. Collected data can be rendered as
// flat text reports, Graphviz DOT call graphs, pprof profiles, and
// gprof-compatible gmon.out files, and captured function addresses can
// be cross-checked against ELF or System.map symbol tables.
package tprof

import (
	"log"
	"runtime"
	"sync"
	_ "unsafe"
)

//go:linkname nanotime runtime.nanotime
func nanotime() int64

const (
	// maxGlobalFunctions bounds the process-wide function registry.
	maxGlobalFunctions = 1000

	// maxThreads bounds the number of published thread snapshots.
	maxThreads = 64
)

// Profiler holds the process-wide profiling state: the global function
// registry, the snapshot registry, the live-thread registry consulted
// by the sampler, and the sampler itself.
//
// The registry mutex and the snapshot mutex are never held at the same
// time; the live-thread mutex is taken only on thread acquisition,
// thread close, live-thread lookups, and each sampling tick.
type Profiler struct {
	registryMu sync.Mutex
	names      []string
	ids        map[string]int

	snapshotMu sync.Mutex
	snapshots  []*Snapshot

	threadsMu sync.Mutex
	threads   map[int]*Thread

	sampling sampler

	now   func() int64
	usage func() threadUsage
}

// Option configures a Profiler created by New.
type Option func(*Profiler)

// TimeFunc configures the monotonic clock used for wall-time baselines
// and sampling intervals, in nanoseconds. The default reads the runtime
// monotonic clock.
func TimeFunc(now func() int64) Option {
	return func(p *Profiler) { p.now = now }
}

// New creates a profiler. The sampling timer is not armed until
// StartProfiling is called.
func New(options ...Option) *Profiler {
	p := &Profiler{
		ids:     make(map[string]int),
		threads: make(map[int]*Thread),
		now:     nanotime,
		usage:   currentThreadUsage,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// CurrentThread binds the calling goroutine to its OS thread and
// returns the thread's profiling state, creating it on first use. The
// handle stays valid until Close is called on it; instrumentation
// methods on the handle must only be called from the owning goroutine.
func (p *Profiler) CurrentThread() *Thread {
	runtime.LockOSThread()
	tid := gettid()

	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()

	if t := p.threads[tid]; t != nil {
		return t
	}
	t := &Thread{
		profiler:  p,
		tid:       tid,
		functions: newTable[FunctionRecord](functionTableCapacity),
		edges:     newCallerEdges(),
	}
	p.threads[tid] = t
	return t
}

// liveThread returns the calling OS thread's state without creating it.
func (p *Profiler) liveThread() *Thread {
	tid := gettid()
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	return p.threads[tid]
}

// registerName inserts name into the global function registry, keeping
// insertion order as the stable enumeration for merged reports. Names
// are inserted at most once; overflow is a soft failure.
func (p *Profiler) registerName(name string) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()

	if _, ok := p.ids[name]; ok {
		return
	}
	if len(p.names) >= maxGlobalFunctions {
		log.Printf("profiler: global function registry full, dropping %q", name)
		return
	}
	p.ids[name] = len(p.names)
	p.names = append(p.names, name)
}

// registryNames returns a copy of the registered names in insertion
// order.
func (p *Profiler) registryNames() []string {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	names := make([]string, len(p.names))
	copy(names, p.names)
	return names
}
