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

import "golang.org/x/sys/unix"

// currentThreadUsage reads the calling OS thread's CPU usage. Callers
// are expected to be locked to their OS thread so the RUSAGE_THREAD
// scope matches the instrumented code.
func currentThreadUsage() threadUsage {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return threadUsage{}
	}
	return threadUsage{
		user: int64(ru.Utime.Sec)*1_000_000 + int64(ru.Utime.Usec),
		sys:  int64(ru.Stime.Sec)*1_000_000 + int64(ru.Stime.Usec),
	}
}

func gettid() int {
	return unix.Gettid()
}
