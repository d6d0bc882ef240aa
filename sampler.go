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
	"sync"
	"sync/atomic"
	"time"
)

const (
	// sampleInterval is the period of the sampling timer.
	sampleInterval = 10 * time.Millisecond

	// histSampleRate is the sampling frequency recorded in gmon.out
	// histogram records, in samples per second. Must track
	// sampleInterval.
	histSampleRate = 100

	// tickMicros is the number of microseconds one histogram sample
	// stands for; the gmon writer divides accumulated sampling ticks by
	// it. Must track sampleInterval.
	tickMicros = 10_000
)

// sampler drives the periodic self-time accounting. Each tick credits
// the elapsed wall-clock microseconds since the previous tick to the
// function on top of every live thread's call stack. This intentionally
// conflates blocked time with running time; the wait accounting done at
// enter/leave is what tells them apart in the flat report.
type sampler struct {
	enabled atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// StartProfiling arms the sampling timer. Starting an already-started
// profiler is a no-op.
func (p *Profiler) StartProfiling() {
	s := &p.sampling
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.enabled.Store(true)
	go p.sampleLoop(s.stop, s.done)
}

// StopProfiling clears the sampling timer and waits for the in-flight
// tick, if any, to finish. Stopping a stopped profiler is a no-op.
func (p *Profiler) StopProfiling() {
	s := &p.sampling
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		return
	}
	s.enabled.Store(false)
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

func (p *Profiler) sampleLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	// The first tick only establishes the baseline and credits nothing.
	last := int64(0)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := p.now()
			if last == 0 {
				last = now
				continue
			}
			interval := uint64((now - last) / 1000)
			last = now

			if !p.sampling.enabled.Load() || interval == 0 {
				continue
			}
			p.creditSample(interval)
		}
	}
}

// creditSample adds intervalMicros to the sampling-tick accumulator of
// the top-of-stack function of every live thread. It takes only the
// live-thread mutex; the stack top and the tick accumulator are read
// and written through atomics so the owning threads never stall.
func (p *Profiler) creditSample(intervalMicros uint64) {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()

	for _, t := range p.threads {
		name, ok := t.stack.top()
		if !ok {
			continue
		}
		if f := t.functions.find(name); f != nil {
			f.SelfTicks.Add(intervalMicros)
		}
	}
}
