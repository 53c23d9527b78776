package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podup/podup/pkg/host"
	"github.com/podup/podup/pkg/store"
	"github.com/podup/podup/pkg/types"
)

// fakeBackend serves canned podman output over a real temp directory
type fakeBackend struct {
	host.Backend
	psOutput string
	psErr    error
	psCalls  int
}

func (f *fakeBackend) Podman(ctx context.Context, args ...string) (types.CommandExecResult, error) {
	f.psCalls++
	if f.psErr != nil {
		return types.CommandExecResult{}, f.psErr
	}
	zero := 0
	return types.CommandExecResult{ExitCode: &zero, Stdout: f.psOutput}, nil
}

func newTestDiscovery(t *testing.T, psOutput string) (*Discovery, *fakeBackend, string) {
	t.Helper()
	s := store.Open("sqlite::memory:")
	require.True(t, s.Ready())
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	fb := &fakeBackend{Backend: host.NewLocalBackend(), psOutput: psOutput}
	if fb.psOutput == "" {
		fb.psOutput = "[]"
	}
	return New(s, fb, dir), fb, dir
}

func seed(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseQuadlet(t *testing.T) {
	q := parseQuadlet([]byte(`
# a comment
[Unit]
Description=alpha

[Container]
Image=ghcr.io/koha/svc-alpha:main
AutoUpdate=registry
`))
	assert.Equal(t, "ghcr.io/koha/svc-alpha:main", q.containerImage())

	v, ok := q.anyKey("autoupdate")
	assert.True(t, ok)
	assert.Equal(t, "registry", v)

	desc, ok := q.get("unit", "description")
	assert.True(t, ok)
	assert.Equal(t, "alpha", desc)
}

func TestAutoupdateDisabled(t *testing.T) {
	for _, v := range []string{"", "false", "no", "none", "off", "0", "False", " OFF "} {
		assert.True(t, autoupdateDisabled(v), "value %q", v)
	}
	for _, v := range []string{"registry", "local", "image"} {
		assert.False(t, autoupdateDisabled(v), "value %q", v)
	}
}

func TestServiceNameFor(t *testing.T) {
	tests := []struct {
		file       string
		unit       string
		needsParse bool
		ok         bool
	}{
		{"svc-alpha.service", "svc-alpha.service", false, true},
		{"svc-gamma.container", "svc-gamma.service", true, true},
		{"stack.kube", "stack.service", true, true},
		{"base.image", "base.service", true, true},
		{"readme.md", "", false, false},
	}
	for _, tt := range tests {
		unit, needsParse, ok := serviceNameFor(tt.file)
		assert.Equal(t, tt.ok, ok, tt.file)
		assert.Equal(t, tt.unit, unit, tt.file)
		assert.Equal(t, tt.needsParse, needsParse, tt.file)
	}
}

func TestRunMergesSources(t *testing.T) {
	d, _, dir := newTestDiscovery(t, `[
		{"Names":["svc-beta"],"Labels":{"io.containers.autoupdate":"registry"}},
		{"Names":["svc-off"],"Labels":{"io.containers.autoupdate":"false"}},
		{"Names":["ignored"],"Labels":{"io.containers.autoupdate":"registry","io.podman.systemd.unit":"svc-epsilon.service"}}
	]`)
	seed(t, dir, "svc-gamma.container", "[Container]\nImage=x\nAutoupdate=registry\n")
	seed(t, dir, "svc-delta.service", "[Service]\n")
	seed(t, dir, "svc-none.container", "[Container]\nAutoupdate=none\n")
	seed(t, dir, "readme.md", "nope")

	units, err := d.Run(context.Background(), false)
	require.NoError(t, err)

	var names []string
	for _, u := range units {
		names = append(names, u.Unit)
	}
	assert.Equal(t, []string{
		"svc-beta.service", "svc-delta.service", "svc-epsilon.service", "svc-gamma.service",
	}, names)
}

func TestRunOncePerProcess(t *testing.T) {
	d, fb, dir := newTestDiscovery(t, "[]")
	seed(t, dir, "svc-delta.service", "")

	_, err := d.Run(context.Background(), false)
	require.NoError(t, err)
	_, err = d.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.psCalls)

	_, err = d.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, fb.psCalls)
}

func TestRunSurvivesBrokenSources(t *testing.T) {
	d, fb, dir := newTestDiscovery(t, "")
	fb.psErr = errors.New("podman gone")
	d.containerDir = filepath.Join(dir, "does-not-exist")

	units, err := d.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestUnitImage(t *testing.T) {
	d, _, dir := newTestDiscovery(t, "[]")
	seed(t, dir, "svc-alpha.container",
		"[Container]\nImage=ghcr.io/koha/svc-alpha:main\nAutoUpdate=registry\n")

	image, ok := d.UnitImage(context.Background(), "svc-alpha.service")
	assert.True(t, ok)
	assert.Equal(t, "ghcr.io/koha/svc-alpha:main", image)

	_, ok = d.UnitImage(context.Background(), "missing.service")
	assert.False(t, ok)
}
