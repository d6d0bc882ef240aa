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

import "sync/atomic"

// maxCallStack bounds the number of active frames tracked per thread.
// Pushes past the limit are dropped: call counts stay correct but
// self-time attribution is lost beyond this depth.
const maxCallStack = 100

// callStack is the bounded stack of currently-active function names on
// one thread. The owning thread pushes and pops; the sampler reads the
// top frame. A frame pointer is published before the depth that makes
// it visible, so the sampler never observes a torn frame.
type callStack struct {
	depth  atomic.Int32
	frames [maxCallStack]atomic.Pointer[string]
}

// push appends name and reports whether the frame was stored.
func (s *callStack) push(name string) bool {
	d := s.depth.Load()
	if d >= maxCallStack {
		return false
	}
	n := name
	s.frames[d].Store(&n)
	s.depth.Store(d + 1)
	return true
}

// pop removes the top frame only when it matches name. A mismatched or
// empty pop leaves the stack unchanged.
func (s *callStack) pop(name string) {
	d := s.depth.Load()
	if d <= 0 {
		return
	}
	if top := s.frames[d-1].Load(); top == nil || *top != name {
		return
	}
	s.depth.Store(d - 1)
}

// top returns the current top-of-stack name. Safe to call from the
// sampler concurrently with push/pop on the owning thread.
func (s *callStack) top() (string, bool) {
	d := s.depth.Load()
	if d <= 0 {
		return "", false
	}
	p := s.frames[d-1].Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

func (s *callStack) len() int {
	return int(s.depth.Load())
}
