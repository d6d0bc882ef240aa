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

const (
	functionTableCapacity = 512
	callerTableCapacity   = 128
	calleeTableCapacity   = 64
)

// callerEdges counts caller→callee invocation multiplicity as a
// two-level map: outer keyed by caller, inner keyed by callee. Inner
// tables are created lazily on the first edge for a caller.
type callerEdges struct {
	callers *table[*table[uint64]]
}

func newCallerEdges() *callerEdges {
	return &callerEdges{callers: newTable[*table[uint64]](callerTableCapacity)}
}

// callees returns the callee counter table for caller, creating it on
// first use.
func (e *callerEdges) callees(caller string) *table[uint64] {
	t := e.callers.insert(caller)
	if *t == nil {
		*t = newTable[uint64](calleeTableCapacity)
	}
	return *t
}

// increment bumps the (caller, callee) edge counter.
func (e *callerEdges) increment(caller, callee string) {
	count := e.callees(caller).insert(callee)
	*count++
}

// count returns the multiplicity of the (caller, callee) edge.
func (e *callerEdges) count(caller, callee string) uint64 {
	t := e.callers.find(caller)
	if t == nil || *t == nil {
		return 0
	}
	c := (*t).find(callee)
	if c == nil {
		return 0
	}
	return *c
}

// each iterates every positive edge.
func (e *callerEdges) each(fn func(caller, callee string, count uint64)) {
	if e == nil {
		return
	}
	e.callers.each(func(caller string, callees **table[uint64]) {
		if *callees == nil {
			return
		}
		(*callees).each(func(callee string, count *uint64) {
			if *count > 0 {
				fn(caller, callee, *count)
			}
		})
	})
}

// deepCopy clones the full two-level structure.
func (e *callerEdges) deepCopy() *callerEdges {
	dst := newCallerEdges()
	e.each(func(caller, callee string, count uint64) {
		c := dst.callees(caller).insert(callee)
		*c = count
	})
	return dst
}
