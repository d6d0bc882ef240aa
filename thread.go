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

import "runtime"

// Thread is the per-OS-thread profiling state: the function statistics
// table, the caller-edge graph, and the call stack. Instrumentation
// methods are owned by the goroutine that acquired the handle through
// Profiler.CurrentThread; the sampler only reads the stack top and
// bumps one atomic tick accumulator.
type Thread struct {
	profiler  *Profiler
	tid       int
	functions *table[FunctionRecord]
	edges     *callerEdges
	stack     callStack
}

// TID returns the kernel thread id the handle is bound to.
func (t *Thread) TID() int { return t.tid }

// Register makes name known to the profiler on this thread and in the
// global registry, and returns the token used by Enter and Leave. It is
// idempotent per thread. On first registration the record captures the
// entry address of the calling function.
func (t *Thread) Register(name string) string {
	return t.register(name, callerEntry(2))
}

func (t *Thread) register(name string, addr uintptr) string {
	name = truncateName(name)
	if name == "" || t.functions == nil {
		return name
	}

	t.profiler.registerName(name)

	f := t.functions.insert(name)
	if f.CallCount == 0 {
		f.Name = name
		f.ThreadID = t.tid
		if f.Addr == 0 {
			f.Addr = addr
		}
	}
	return name
}

// Enter marks the entry of one profiled call: it bumps the invocation
// count, stamps the wall and thread-usage baselines, counts the
// caller→callee edge against the current stack top, and pushes the
// name. A push on a full stack is dropped but the record bookkeeping
// still happens.
func (t *Thread) Enter(name string) {
	name = truncateName(name)
	if name == "" || t.functions == nil {
		return
	}

	f := t.functions.find(name)
	if f == nil {
		f = t.functions.insert(name)
		f.Name = name
		f.ThreadID = t.tid
	}

	f.CallCount++
	f.Active = true
	f.enterBaseline(t.profiler.now(), t.profiler.usage())

	if caller, ok := t.stack.top(); ok {
		t.edges.increment(caller, name)
	}
	t.stack.push(name)
}

// Leave marks the exit of one profiled call, accumulating the wall,
// user, kernel, and wait deltas since the matching Enter. A leave with
// no matching record is ignored; a leave whose name does not match the
// stack top updates the record but leaves the stack untouched.
func (t *Thread) Leave(name string) {
	name = truncateName(name)
	if name == "" || t.functions == nil {
		return
	}

	f := t.functions.find(name)
	if f == nil {
		return
	}

	f.leaveDeltas(t.profiler.now(), t.profiler.usage())
	t.stack.pop(name)
}

// Scope registers name, enters it, and returns the function that leaves
// it, pairing enter/leave across every exit path:
//
//	defer thread.Scope("handleRequest")()
func (t *Thread) Scope(name string) func() {
	token := t.register(name, callerEntry(2))
	t.Enter(token)
	return func() { t.Leave(token) }
}

// Depth returns the current call-stack depth.
func (t *Thread) Depth() int {
	return t.stack.len()
}

// Close releases the thread's tables and the OS-thread lock. The handle
// must not be used afterwards. Statistics that were not published with
// Publish are lost.
func (t *Thread) Close() {
	p := t.profiler
	p.threadsMu.Lock()
	delete(p.threads, t.tid)
	p.threadsMu.Unlock()

	t.functions = nil
	t.edges = nil
	t.stack.depth.Store(0)
	runtime.UnlockOSThread()
}

// callerEntry resolves the entry address of the function at the given
// call depth, standing in for the return address of the registration
// call site.
func callerEntry(skip int) uintptr {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return 0
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return 0
	}
	return fn.Entry()
}
