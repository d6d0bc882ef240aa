package tprof

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gmonReader decodes the records emitted by the writer, in host byte
// order with pointer-width program counters.
type gmonReader struct {
	t   *testing.T
	buf *bytes.Reader
}

func newGmonReader(t *testing.T, path string) *gmonReader {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return &gmonReader{t: t, buf: bytes.NewReader(data)}
}

func (r *gmonReader) bytes(n int) []byte {
	r.t.Helper()
	b := make([]byte, n)
	_, err := r.buf.Read(b)
	require.NoError(r.t, err)
	return b
}

func (r *gmonReader) u8() uint8   { return r.bytes(1)[0] }
func (r *gmonReader) u16() uint16 { return hostEndian.Uint16(r.bytes(2)) }
func (r *gmonReader) u32() uint32 { return hostEndian.Uint32(r.bytes(4)) }

func (r *gmonReader) uptr() uint64 {
	if ptrSize == 4 {
		return uint64(hostEndian.Uint32(r.bytes(4)))
	}
	return hostEndian.Uint64(r.bytes(8))
}

func (r *gmonReader) remaining() int { return r.buf.Len() }

func (r *gmonReader) header() {
	r.t.Helper()
	assert.Equal(r.t, []byte("gmon"), r.bytes(4))
	assert.Equal(r.t, uint32(1), r.u32())
	assert.Equal(r.t, make([]byte, 12), r.bytes(12))
}

func gmonTestThread(t *testing.T, p *Profiler) *Thread {
	t.Helper()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	for _, fn := range []struct {
		name  string
		addr  uintptr
		ticks uint64
	}{
		{"f1", 0x1000, 50_000},
		{"f2", 0x2000, 20_000},
	} {
		token := th.Register(fn.name)
		th.Enter(token)
		th.Leave(token)
		rec := th.functions.find(fn.name)
		rec.Addr = fn.addr
		rec.SelfTicks.Store(fn.ticks)
	}
	return th
}

func TestGmonHistogram(t *testing.T) {
	p := New()
	gmonTestThread(t, p)

	path := filepath.Join(t.TempDir(), "gmon.out")
	require.NoError(t, p.ExportGmon(path, false))

	r := newGmonReader(t, path)
	r.header()

	assert.Equal(t, uint8(0), r.u8(), "histogram tag")
	assert.Equal(t, uint64(0x1000), r.uptr(), "low_pc")
	assert.Equal(t, uint64(0x3000), r.uptr(), "high_pc includes the tail pad")

	numBins := r.u32()
	assert.Equal(t, uint32(0x2000/2), numBins)
	assert.Equal(t, uint32(100), r.u32(), "sampling rate")
	assert.Equal(t, []byte("seconds        "), r.bytes(15))
	assert.Equal(t, uint8('s'), r.u8())

	sum := 0
	bins := make([]uint16, numBins)
	for i := range bins {
		bins[i] = r.u16()
		sum += int(bins[i])
	}
	assert.Equal(t, 7, sum, "50000us/10000 + 20000us/10000 samples")
	assert.Equal(t, uint16(5), bins[0], "f1 lands in the first bin")
	assert.Equal(t, uint16(2), bins[(0x2000-0x1000)/2], "f2 bin")

	assert.Equal(t, 0, r.remaining(), "no arc records without edges")
}

func TestGmonArcs(t *testing.T) {
	p := New()
	th := gmonTestThread(t, p)
	th.edges.increment("f1", "f2")
	th.edges.increment("f1", "f2")
	th.edges.increment("f1", "f2")
	th.edges.increment("f1", "unknown") // no address: skipped

	path := filepath.Join(t.TempDir(), "gmon.out")
	require.NoError(t, p.ExportGmon(path, false))

	r := newGmonReader(t, path)
	r.header()
	r.u8()
	r.uptr()
	r.uptr()
	numBins := r.u32()
	r.u32()
	r.bytes(16)
	r.bytes(int(numBins) * 2)

	assert.Equal(t, uint8(1), r.u8(), "arc tag")
	assert.Equal(t, uint64(0x1000), r.uptr(), "from_pc")
	assert.Equal(t, uint64(0x2000), r.uptr(), "self_pc")
	assert.Equal(t, uint32(3), r.u32(), "arc count")
	assert.Equal(t, 0, r.remaining())
}

func TestGmonMerged(t *testing.T) {
	p := New()
	th := gmonTestThread(t, p)
	th.edges.increment("f1", "f2")
	th.Publish()
	th.Publish() // a second snapshot doubles every contribution

	path := filepath.Join(t.TempDir(), "gmon.out")
	require.NoError(t, p.ExportGmon(path, true))

	r := newGmonReader(t, path)
	r.header()
	r.u8()
	assert.Equal(t, uint64(0x1000), r.uptr())
	assert.Equal(t, uint64(0x3000), r.uptr())
	numBins := r.u32()
	r.u32()
	r.bytes(16)

	sum := 0
	for i := 0; i < int(numBins); i++ {
		sum += int(r.u16())
	}
	assert.Equal(t, 14, sum, "two snapshots contribute twice")

	for i := 0; i < 2; i++ {
		assert.Equal(t, uint8(1), r.u8())
		assert.Equal(t, uint64(0x1000), r.uptr())
		assert.Equal(t, uint64(0x2000), r.uptr())
		assert.Equal(t, uint32(1), r.u32())
	}
	assert.Equal(t, 0, r.remaining())
}

func TestGmonNoAddresses(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	token := th.Register("f")
	th.Enter(token)
	th.Leave(token)
	th.functions.find("f").Addr = 0

	path := filepath.Join(t.TempDir(), "gmon.out")
	err := p.ExportGmon(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no function with a known address")

	// Nothing past the header may be written.
	data, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	assert.Len(t, data, 20)
}

func TestGmonBinSaturation(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	token := th.Register("hot")
	th.Enter(token)
	th.Leave(token)
	rec := th.functions.find("hot")
	rec.Addr = 0x1000
	rec.SelfTicks.Store(70_000 * 10_000) // 70000 samples, past uint16

	cold := th.Register("cold")
	th.Enter(cold)
	th.Leave(cold)
	th.functions.find("cold").Addr = 0x2000

	path := filepath.Join(t.TempDir(), "gmon.out")
	require.NoError(t, p.ExportGmon(path, false))

	r := newGmonReader(t, path)
	r.header()
	r.u8()
	r.uptr()
	r.uptr()
	numBins := r.u32()
	r.u32()
	r.bytes(16)

	assert.Equal(t, uint16(65535), r.u16(), "bin values saturate")
	r.bytes((int(numBins) - 1) * 2)
	assert.Equal(t, 0, r.remaining())
}
