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
	"debug/elf"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Symbol is one (address, size, name) triple loaded from an ELF symbol
// table or a System.map file. Size is zero for System.map entries.
type Symbol struct {
	Addr uint64
	Size uint64
	Name string
}

// SymbolTable holds loaded symbols sorted by address.
type SymbolTable struct {
	entries []Symbol
}

// LoadSymbolTable loads symbols from path: the function symbols of an
// ELF executable, or, with sysmap set, the text symbols of a
// kernel-style System.map file.
func LoadSymbolTable(path string, sysmap bool) (*SymbolTable, error) {
	if path == "" {
		return nil, fmt.Errorf("loading symbols: no path provided")
	}
	if sysmap {
		return loadSystemMap(path)
	}
	return loadELFSymbols(path)
}

func loadELFSymbols(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading symbols from %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("loading symbols from %s: only 64-bit ELF supported", path)
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("loading symbols from %s (stripped?): %w", path, err)
	}

	t := &SymbolTable{}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		t.entries = append(t.entries, Symbol{
			Addr: s.Value,
			Size: s.Size,
			Name: truncateName(s.Name),
		})
	}
	t.sort()

	log.Printf("profiler: loaded %d function symbols from %s", len(t.entries), path)
	return t, nil
}

func loadSystemMap(path string) (*SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading symbols from %s: %w", path, err)
	}
	defer f.Close()

	t := &SymbolTable{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		if fields[1] != "T" && fields[1] != "t" {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		t.entries = append(t.entries, Symbol{Addr: addr, Name: truncateName(fields[2])})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("loading symbols from %s: %w", path, err)
	}
	t.sort()

	log.Printf("profiler: loaded %d symbols from System.map %s", len(t.entries), path)
	return t, nil
}

func (t *SymbolTable) sort() {
	slices.SortFunc(t.entries, func(a, b Symbol) bool { return a.Addr < b.Addr })
}

// Len returns the number of loaded symbols.
func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Symbols returns the loaded symbols in address order.
func (t *SymbolTable) Symbols() []Symbol {
	if t == nil {
		return nil
	}
	return t.entries
}

// Resolve binary-searches for the symbol with the largest address not
// greater than addr. When that symbol carries a size, queries past its
// end are rejected.
func (t *SymbolTable) Resolve(addr uint64) (Symbol, bool) {
	if t == nil || len(t.entries) == 0 {
		return Symbol{}, false
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	s := t.entries[i-1]
	if s.Size > 0 && addr >= s.Addr+s.Size {
		return Symbol{}, false
	}
	return s, true
}

// WriteSymbolReport cross-checks each profiled function's captured
// address against the loaded symbols, then lists every loaded symbol.
// A row is OK when the resolved symbol name equals the profiled name,
// MISMATCH when an unrelated symbol covers the address, and not found
// when no symbol does.
func WriteSymbolReport(w io.Writer, symbols *SymbolTable, funcs []FunctionAddress) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintln(w, "Symbol Resolution Report")
	fmt.Fprintln(w, "================================================================================")
	fmt.Fprintf(w, "%-40s %-18s %-18s %s\n",
		"Function (profiler)", "Profiler Addr", "Symbol Addr", "Match?")
	fmt.Fprintf(w, "%-40s %-18s %-18s %s\n",
		strings.Repeat("-", 40), strings.Repeat("-", 18), strings.Repeat("-", 18), "-------")

	if len(funcs) == 0 {
		fmt.Fprintln(w, "(no profiling data)")
		return
	}

	matched := 0
	for _, fn := range funcs {
		match := "-"
		symName := "not found"
		symAddr := "(none)"

		if fn.Addr != 0 {
			if s, ok := symbols.Resolve(uint64(fn.Addr)); ok {
				symAddr = fmt.Sprintf("0x%016x", s.Addr)
				symName = s.Name
				if s.Name == fn.Name {
					match = "OK"
					matched++
				} else {
					match = "MISMATCH"
				}
			}
		}

		fmt.Fprintf(w, "%-40s 0x%016x %-18s %s (%s)\n",
			fn.Name, uint64(fn.Addr), symAddr, match, symName)
	}

	fmt.Fprintf(w, "\nSummary: %d/%d functions matched symbols\n", matched, len(funcs))

	if symbols.Len() > 0 {
		fmt.Fprintf(w, "\n--- All Function Symbols (%d total) ---\n", symbols.Len())
		fmt.Fprintf(w, "%-18s %-10s %s\n", "Address", "Size", "Name")
		for _, s := range symbols.Symbols() {
			fmt.Fprintf(w, "0x%016x %-10d %s\n", s.Addr, s.Size, s.Name)
		}
	}
}
