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
	"os"
	"time"

	"github.com/google/pprof/profile"
)

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// BuildProfile renders the collected statistics as a pprof profile with
// one flat sample per function carrying [calls, cpu nanoseconds]. With
// merged set the profile aggregates every published snapshot; otherwise
// it reads the calling OS thread's live tables.
func (p *Profiler) BuildProfile(merged bool) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "calls", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		TimeNanos: time.Now().UnixNano(),
	}

	var rows []mergedRow
	if merged {
		rows = p.mergeSnapshots()
	} else if t := p.liveThread(); t != nil && t.functions != nil {
		flat, _ := collectRows(t.functions)
		for _, r := range flat {
			f := t.functions.find(r.name)
			rows = append(rows, mergedRow{
				name:  r.name,
				addr:  f.Addr,
				self:  r.self,
				calls: r.calls,
			})
		}
	}

	for _, r := range rows {
		if r.calls == 0 {
			continue
		}

		fn := &profile.Function{
			ID:         uint64(len(prof.Function)) + 1, // 0 is reserved by pprof
			Name:       r.name,
			SystemName: r.name,
		}
		prof.Function = append(prof.Function, fn)

		loc := &profile.Location{
			ID:      uint64(len(prof.Location)) + 1, // 0 reserved by pprof
			Address: uint64(r.addr),
			Line:    []profile.Line{{Function: fn}},
		}
		prof.Location = append(prof.Location, loc)

		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(r.calls), int64(r.self) * 1000},
		})
	}

	return prof
}

// ExportProfile builds the profile and writes it to path.
func (p *Profiler) ExportProfile(path string, merged bool) error {
	if err := WriteProfile(path, p.BuildProfile(merged)); err != nil {
		return fmt.Errorf("writing pprof profile: %w", err)
	}
	return nil
}
