package tprof

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportFixture(t *testing.T) (*Profiler, *Thread) {
	t.Helper()
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	a := th.Register("alpha")
	b := th.Register("beta")

	th.Enter(a)
	th.Enter(b)
	th.Leave(b)
	th.Enter(b)
	th.Leave(b)
	th.Leave(a)

	th.functions.find("alpha").SelfTicks.Store(30_000)
	th.functions.find("beta").SelfTicks.Store(10_000)
	return p, th
}

func TestThreadReport(t *testing.T) {
	_, th := reportFixture(t)

	var buf bytes.Buffer
	th.WriteReport(&buf)
	report := buf.String()

	assert.Contains(t, report, fmt.Sprintf("=== Profiling Results (Thread %d) ===", th.TID()))
	assert.Contains(t, report, "alpha")
	assert.Contains(t, report, "beta")
	// beta holds 10000 of 40000 total sampling ticks.
	assert.Contains(t, report, "25.00%")
	assert.Contains(t, report, "75.00%")
	// Caller summary: beta was called twice from alpha, alpha has none.
	assert.Contains(t, report, "alpha(2)")
	assert.Contains(t, report, "[none]")
}

func TestPerThreadReports(t *testing.T) {
	p, th := reportFixture(t)
	th.Publish()

	var buf bytes.Buffer
	p.WritePerThreadReports(&buf)
	report := buf.String()

	assert.Contains(t, report, "Total threads: 1")
	assert.Contains(t, report, fmt.Sprintf("=== Thread %d Report ===", th.TID()))
	assert.Contains(t, report, "alpha")
}

func TestMergedReportEmpty(t *testing.T) {
	p := New()

	var buf bytes.Buffer
	p.WriteMergedReport(&buf)

	assert.Contains(t, buf.String(), "No thread data collected.")
}

func TestMergedReportAggregates(t *testing.T) {
	p := New()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := p.CurrentThread()
			defer th.Close()

			token := th.Register("shared")
			for j := 0; j < 2; j++ {
				th.Enter(token)
				th.Leave(token)
			}
			th.functions.find("shared").SelfTicks.Store(5_000)
			th.Publish()
		}()
	}
	wg.Wait()

	// Property: merged accumulators equal the sum over all snapshots.
	rows := p.mergeSnapshots()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(6), rows[0].calls)
	assert.Equal(t, uint64(15_000), rows[0].self)
	assert.Equal(t, 3, rows[0].threads)

	var buf bytes.Buffer
	p.WriteMergedReport(&buf)
	report := buf.String()
	assert.Contains(t, report, "Total threads: 3")
	assert.Contains(t, report, "shared")
}

func TestMergedReportSkipsUncalled(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	th.Register("registered_only")
	called := th.Register("called")
	th.Enter(called)
	th.Leave(called)
	th.Publish()

	var buf bytes.Buffer
	p.WriteMergedReport(&buf)
	report := buf.String()

	assert.Contains(t, report, "called")
	assert.NotContains(t, report, "registered_only")
}

func TestFunctionAddresses(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	a := th.Register("a")
	b := th.Register("b")
	th.Enter(a)
	th.Leave(a)
	th.Enter(b)
	th.Leave(b)
	th.functions.find("a").Addr = 0x1234
	th.Publish()

	funcs := p.FunctionAddresses()
	require.Len(t, funcs, 2)
	assert.Equal(t, "a", funcs[0].Name)
	assert.Equal(t, uintptr(0x1234), funcs[0].Addr)
	assert.Equal(t, "b", funcs[1].Name)
}
