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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"unsafe"
)

// gmon.out layout consumed by gprof: a 20-byte header, one time
// histogram record, and zero or more call-graph arc records. All
// multi-byte fields are in host byte order and program-counter fields
// are pointer-width.
const (
	gmonMagic   = "gmon"
	gmonVersion = 1

	gmonTagTimeHist = 0
	gmonTagCGArc    = 1

	// gmonTailPad extends high_pc past the last known function entry so
	// its samples land inside the covered range.
	gmonTailPad = 0x1000

	gmonBinBytes = 2
	gmonMaxBins  = 65536
	gmonMaxBin   = math.MaxUint16
)

var hostEndian = func() binary.ByteOrder {
	x := uint16(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// errWriter accumulates the first write error so record emission reads
// as straight-line code.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *errWriter) u8(v uint8) {
	e.bytes([]byte{v})
}

func (e *errWriter) u16(v uint16) {
	var b [2]byte
	hostEndian.PutUint16(b[:], v)
	e.bytes(b[:])
}

func (e *errWriter) u32(v uint32) {
	var b [4]byte
	hostEndian.PutUint32(b[:], v)
	e.bytes(b[:])
}

// uptr emits one pointer-width program-counter field.
func (e *errWriter) uptr(v uint64) {
	var b [8]byte
	if ptrSize == 4 {
		hostEndian.PutUint32(b[:4], uint32(v))
		e.bytes(b[:4])
		return
	}
	hostEndian.PutUint64(b[:], v)
	e.bytes(b[:])
}

// profileUnit is one (function table, edge graph) pair the writer
// emits from: every snapshot in merged mode, the caller's live tables
// otherwise.
type profileUnit struct {
	functions *table[FunctionRecord]
	edges     *callerEdges
}

// ExportGmon writes a gprof-compatible profile to path. With merged
// set, every published snapshot contributes under the snapshot lock;
// otherwise the calling OS thread's live tables are read without
// locking. When no function has a known address the file is left with
// only its header and an error is returned.
func (p *Profiler) ExportGmon(path string, merged bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing gmon profile: %w", err)
	}
	defer f.Close()

	var units []profileUnit
	if merged {
		p.snapshotMu.Lock()
		defer p.snapshotMu.Unlock()
		for _, snapshot := range p.snapshots {
			units = append(units, profileUnit{snapshot.functions, snapshot.edges})
		}
	} else if t := p.liveThread(); t != nil && t.functions != nil {
		units = []profileUnit{{t.functions, t.edges}}
	}

	w := bufio.NewWriter(f)
	werr := writeGmon(w, units)
	if err := w.Flush(); werr == nil {
		werr = err
	}
	return werr
}

func writeGmon(w io.Writer, units []profileUnit) error {
	e := &errWriter{w: w}

	e.bytes([]byte(gmonMagic))
	e.u32(gmonVersion)
	e.bytes(make([]byte, 12))
	if e.err != nil {
		return fmt.Errorf("writing gmon profile: %w", e.err)
	}

	lowPC := uint64(math.MaxUint64)
	highPC := uint64(0)
	for _, u := range units {
		u.functions.each(func(_ string, f *FunctionRecord) {
			if f.Addr == 0 {
				return
			}
			a := uint64(f.Addr)
			if a < lowPC {
				lowPC = a
			}
			if a > highPC {
				highPC = a
			}
		})
	}
	if lowPC == math.MaxUint64 {
		return fmt.Errorf("writing gmon profile: no function with a known address")
	}
	highPC += gmonTailPad

	addrRange := highPC - lowPC
	numBins := int(addrRange / gmonBinBytes)
	if numBins > gmonMaxBins {
		numBins = gmonMaxBins
	}
	if numBins < 1 {
		numBins = 1
	}
	binWidth := float64(addrRange) / float64(numBins)

	hist := make([]uint16, numBins)
	for _, u := range units {
		u.functions.each(func(_ string, f *FunctionRecord) {
			ticks := f.SelfTicks.Load()
			if f.Addr == 0 || ticks == 0 {
				return
			}
			bin := int(float64(uint64(f.Addr)-lowPC) / binWidth)
			if bin < 0 {
				bin = 0
			}
			if bin >= numBins {
				bin = numBins - 1
			}
			samples := ticks / tickMicros
			if samples > gmonMaxBin {
				samples = gmonMaxBin
			}
			if sum := uint64(hist[bin]) + samples; sum > gmonMaxBin {
				hist[bin] = gmonMaxBin
			} else {
				hist[bin] = uint16(sum)
			}
		})
	}

	e.u8(gmonTagTimeHist)
	e.uptr(lowPC)
	e.uptr(highPC)
	e.u32(uint32(numBins))
	e.u32(histSampleRate)
	e.bytes([]byte("seconds        "))
	e.u8('s')
	for _, bin := range hist {
		e.u16(bin)
	}

	for _, u := range units {
		u.edges.each(func(caller, callee string, count uint64) {
			from := u.functions.find(caller)
			self := u.functions.find(callee)
			if from == nil || self == nil || from.Addr == 0 || self.Addr == 0 {
				return
			}
			if count > math.MaxUint32 {
				count = math.MaxUint32
			}
			e.u8(gmonTagCGArc)
			e.uptr(uint64(from.Addr))
			e.uptr(uint64(self.Addr))
			e.u32(uint32(count))
		})
	}

	if e.err != nil {
		return fmt.Errorf("writing gmon profile: %w", e.err)
	}
	return nil
}
