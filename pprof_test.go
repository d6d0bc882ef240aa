package tprof

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildProfile(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	a := th.Register("alpha")
	b := th.Register("beta")
	th.Enter(a)
	th.Leave(a)
	th.Enter(b)
	th.Leave(b)
	th.Enter(b)
	th.Leave(b)
	th.functions.find("alpha").SelfTicks.Store(20_000)
	th.Publish()

	prof := p.BuildProfile(true)
	require.NoError(t, prof.CheckValid())
	require.Len(t, prof.Sample, 2)
	require.Len(t, prof.Function, 2)
	require.Len(t, prof.Location, 2)

	byName := map[string]*profile.Sample{}
	for _, s := range prof.Sample {
		byName[s.Location[0].Line[0].Function.Name] = s
	}

	alpha := byName["alpha"]
	require.NotNil(t, alpha)
	assert.Equal(t, int64(1), alpha.Value[0], "calls")
	assert.Equal(t, int64(20_000_000), alpha.Value[1], "sampling ticks in nanoseconds")

	beta := byName["beta"]
	require.NotNil(t, beta)
	assert.Equal(t, int64(2), beta.Value[0], "calls")
	assert.Equal(t, int64(0), beta.Value[1])
}

func TestBuildProfileLiveThread(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	token := th.Register("live")
	th.Enter(token)
	th.Leave(token)

	// No snapshot was published: the live tables feed the profile.
	prof := p.BuildProfile(false)
	require.NoError(t, prof.CheckValid())
	require.Len(t, prof.Sample, 1)
	assert.Equal(t, "live", prof.Function[0].Name)
}

func TestExportProfile(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	token := th.Register("f")
	th.Enter(token)
	th.Leave(token)
	th.Publish()

	path := filepath.Join(t.TempDir(), "profile.pb.gz")
	require.NoError(t, p.ExportProfile(path, true))

	parsed, err := readProfile(path)
	require.NoError(t, err)
	assert.Len(t, parsed.Sample, 1)
}

func readProfile(path string) (*profile.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return profile.Parse(f)
}

func TestServeHTTP(t *testing.T) {
	p := New()
	th := p.CurrentThread()
	t.Cleanup(th.Close)

	token := th.Register("handler")
	th.Enter(token)
	th.Leave(token)
	th.Publish()

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/profile", nil))

	res := rec.Result()
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "application/octet-stream", res.Header.Get("Content-Type"))

	parsed, err := profile.Parse(res.Body)
	require.NoError(t, err)
	assert.Len(t, parsed.Sample, 1)
}
