package tprof

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorForPercentage(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{25.0, "#FF0000"},
		{15.0, "#FF8800"},
		{7.5, "#FFFF00"},
		{2.0, "#88FF88"},
		{0.5, "#AAAAFF"},
	}
	for _, test := range tests {
		if got := colorForPercentage(test.percent); got != test.want {
			t.Errorf("colorForPercentage(%v): want %s, got %s", test.percent, test.want, got)
		}
	}
}

func dotFixture(t *testing.T) (*Profiler, *Thread) {
	t.Helper()
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	a := th.Register("parent")
	b := th.Register("child")
	th.Enter(a)
	th.Enter(b)
	th.Leave(b)
	th.Enter(b)
	th.Leave(b)
	th.Leave(a)
	th.functions.find("parent").SelfTicks.Store(90_000)
	th.functions.find("child").SelfTicks.Store(10_000)
	th.Publish()
	return p, th
}

func TestExportDotPerThread(t *testing.T) {
	p, th := dotFixture(t)

	path := filepath.Join(t.TempDir(), "callgraph.dot")
	require.NoError(t, p.ExportDotPerThread(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	graph := string(data)

	assert.Contains(t, graph, "digraph CallGraph {")
	assert.Contains(t, graph, fmt.Sprintf("subgraph cluster_%d {", th.TID()))
	// Node keys carry the thread id prefix; parent holds 90% of ticks.
	assert.Contains(t, graph, fmt.Sprintf("\"T%d_parent\" [label=\"parent\\n90.0%%\\n1 calls\", fillcolor=\"#FF0000\"]", th.TID()))
	assert.Contains(t, graph, fmt.Sprintf("\"T%d_parent\" -> \"T%d_child\" [label=\"2\"];", th.TID(), th.TID()))
	assert.Contains(t, graph, "}\n")
}

func TestExportDotMerged(t *testing.T) {
	p, _ := dotFixture(t)

	path := filepath.Join(t.TempDir(), "merged.dot")
	require.NoError(t, p.ExportDotMerged(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	graph := string(data)

	assert.Contains(t, graph, "digraph MergedCallGraph {")
	assert.Contains(t, graph, "\"parent\" [label=\"parent\\n90.0%\\n1 calls\\n1 threads\", fillcolor=\"#FF0000\"]")
	assert.Contains(t, graph, "\"child\" [label=\"child\\n10.0%\\n2 calls\\n1 threads\", fillcolor=\"#FFFF00\"]")
	assert.Contains(t, graph, "\"parent\" -> \"child\" [label=\"2\"];")
}
