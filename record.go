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

// threadUsage is a per-thread CPU usage snapshot in microseconds.
type threadUsage struct {
	user int64
	sys  int64
}

// FunctionRecord accumulates the statistics of one named function scope
// on one thread. All durations are in microseconds.
//
// The record is owned by the thread that created it; the only field
// touched by the sampler is SelfTicks, which is why it is atomic. The
// enter baselines are transient and not preserved across re-entry.
type FunctionRecord struct {
	Name      string
	Addr      uintptr
	WallTime  uint64
	SelfTicks atomic.Uint64
	UserTime  uint64
	SysTime   uint64
	WaitTime  uint64
	CallCount uint64
	Active    bool
	ThreadID  int

	startWall  int64
	startUsage threadUsage
}

// enterBaseline stamps the transient baselines for one call.
func (f *FunctionRecord) enterBaseline(now int64, usage threadUsage) {
	f.startWall = now
	f.startUsage = usage
}

// leaveDeltas accumulates the wall/user/sys/wait deltas for one call
// against the enter baselines. Negative deltas are floored at zero so
// that wall >= user+sys never drives wait below zero.
func (f *FunctionRecord) leaveDeltas(now int64, usage threadUsage) {
	wall := (now - f.startWall) / 1000
	user := usage.user - f.startUsage.user
	sys := usage.sys - f.startUsage.sys

	if wall < 0 {
		wall = 0
	}
	if user < 0 {
		user = 0
	}
	if sys < 0 {
		sys = 0
	}
	wait := wall - (user + sys)
	if wait < 0 {
		wait = 0
	}

	f.WallTime += uint64(wall)
	f.UserTime += uint64(user)
	f.SysTime += uint64(sys)
	f.WaitTime += uint64(wait)
	f.Active = false
}

// copyFrom copies every accumulator from src, including the atomic
// tick counter. Used by snapshot deep copies.
func (f *FunctionRecord) copyFrom(src *FunctionRecord) {
	f.Name = src.Name
	f.Addr = src.Addr
	f.WallTime = src.WallTime
	f.SelfTicks.Store(src.SelfTicks.Load())
	f.UserTime = src.UserTime
	f.SysTime = src.SysTime
	f.WaitTime = src.WaitTime
	f.CallCount = src.CallCount
	f.Active = src.Active
	f.ThreadID = src.ThreadID
}
