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
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stealthrocket/tprof"
)

// sink defeats dead-code elimination in the spin loops.
var sink int64

func spin(n int) {
	for i := 0; i < n; i++ {
		sink += int64(i)
	}
}

func functionA(t *tprof.Thread) {
	defer t.Scope("function_a")()
	spin(1_000_000)
}

func functionB(t *tprof.Thread) {
	defer t.Scope("function_b")()
	spin(500_000)
	functionA(t)
}

func functionC(t *tprof.Thread) {
	defer t.Scope("function_c")()
	spin(2_000_000)
	functionB(t)
}

// functionIOHeavy performs synchronous file writes so wait and kernel
// time become visible.
func functionIOHeavy(t *tprof.Thread) {
	defer t.Scope("function_io_heavy")()

	path := filepath.Join(os.TempDir(), "tprof_io.tmp")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_SYNC, 0o644)
	if err != nil {
		return
	}
	defer os.Remove(path)
	defer f.Close()

	buffer := make([]byte, 4096)
	for i := range buffer {
		buffer[i] = 'A'
	}
	for i := 0; i < 200; i++ {
		if _, err := f.Write(buffer); err != nil {
			return
		}
	}
	f.Sync()
}

// functionSyscallHeavy generates many small syscalls to surface
// kernel-mode accounting.
func functionSyscallHeavy(t *tprof.Thread) {
	defer t.Scope("function_syscall_heavy")()
	for i := 0; i < 100_000; i++ {
		sink += int64(os.Getpid())
	}
}

// functionCPUHeavy burns cycles with floating-point math to emphasize
// user time.
func functionCPUHeavy(t *tprof.Thread) {
	defer t.Scope("function_cpu_heavy")()
	result := 0.0
	for i := 0; i < 2_000_000; i++ {
		result += float64(i) * 3.14159
		result /= float64(i) + 1.0
	}
	sink += int64(result)
}

// functionSleepTest produces wait time with minimal CPU usage.
func functionSleepTest(t *tprof.Thread) {
	defer t.Scope("function_sleep_test")()
	time.Sleep(100 * time.Millisecond)
}

// functionMixed combines CPU work, file I/O, and a short sleep.
func functionMixed(t *tprof.Thread) {
	defer t.Scope("function_mixed")()

	spin(100_000)

	path := filepath.Join(os.TempDir(), "tprof_mixed.tmp")
	if f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644); err == nil {
		buffer := make([]byte, 1024)
		for i := 0; i < 100; i++ {
			f.Write(buffer)
		}
		f.Close()
		os.Remove(path)
	}

	time.Sleep(50 * time.Millisecond)
}

func runSingleThreadedTests(prof *tprof.Profiler, w io.Writer) *tprof.Thread {
	t := prof.CurrentThread()

	for i := 0; i < 3; i++ {
		functionC(t)
	}
	functionIOHeavy(t)
	functionSyscallHeavy(t)
	functionCPUHeavy(t)
	functionSleepTest(t)
	functionMixed(t)

	t.WriteReport(w)
	t.Publish()
	return t
}

func runMultiThreadedTests(prof *tprof.Profiler) {
	workers := []func(*tprof.Thread){
		func(t *tprof.Thread) {
			defer t.Scope("cpu_worker")()
			functionCPUHeavy(t)
			functionC(t)
		},
		func(t *tprof.Thread) {
			defer t.Scope("io_worker")()
			functionIOHeavy(t)
			functionSleepTest(t)
		},
		func(t *tprof.Thread) {
			defer t.Scope("mixed_worker")()
			functionMixed(t)
			functionSyscallHeavy(t)
		},
	}

	var wg sync.WaitGroup
	for _, worker := range workers {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := prof.CurrentThread()
			defer t.Close()
			worker(t)
			t.Publish()
		}()
	}
	wg.Wait()
}

// runSharedFunctionTest has every worker call the same functions so the
// merged report shows cross-thread aggregation.
func runSharedFunctionTest(prof *tprof.Profiler) {
	shared := func(t *tprof.Thread) {
		defer t.Scope("shared_worker")()
		functionCPUHeavy(t)
		functionSleepTest(t)
		functionA(t)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := prof.CurrentThread()
			defer t.Close()
			shared(t)
			t.Publish()
		}()
	}
	wg.Wait()
}
