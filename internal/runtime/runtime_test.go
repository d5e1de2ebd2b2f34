package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func TestBuiltinCatalog(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	names := []Name{"openclaw", "zeroclaw", "picoclaw", "nanoclaw", "ironclaw", "nullclaw", "microclaw", "mimiclaw"}
	assert.Len(t, c.List(), len(names))
	for _, n := range names {
		d, ok := c.Get(n)
		require.True(t, ok, "missing %s", n)
		assert.NotEmpty(t, d.Language)
		assert.NotEmpty(t, d.Capabilities)
		assert.Positive(t, d.CostTier)
	}

	open, _ := c.Get("openclaw")
	assert.Equal(t, "typescript", open.Language)
	assert.True(t, open.HasCapabilities([]string{"chat", "tools"}))
	assert.False(t, open.HasCapabilities([]string{"embedded"}))

	mimi, _ := c.Get("mimiclaw")
	assert.Equal(t, MethodBridge, mimi.Method)
}

func TestParseCatalog_Rejects(t *testing.T) {
	_, err := ParseCatalog([]byte("runtimes:\n  - name: a\n    modes: [native]\n  - name: a\n    modes: [native]\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseCatalog([]byte("runtimes:\n  - name: a\n"))
	assert.ErrorContains(t, err, "no execution modes")
}

func TestResolveMode(t *testing.T) {
	ctx := context.Background()
	both := Descriptor{Name: "x", Modes: []v1.ExecutionMode{v1.ModeContainer, v1.ModeNative}}
	remote := Descriptor{Name: "r", Modes: []v1.ExecutionMode{v1.ModeRemote}}
	up := func(context.Context) bool { return true }
	down := func(context.Context) bool { return false }

	tests := []struct {
		name    string
		d       Descriptor
		req     v1.ExecutionMode
		probe   DockerProbe
		want    v1.ExecutionMode
		wantErr bool
	}{
		{"auto with docker", both, v1.ModeAuto, up, v1.ModeContainer, false},
		{"auto without docker", both, v1.ModeAuto, down, v1.ModeNative, false},
		{"empty means auto", both, "", nil, v1.ModeNative, false},
		{"explicit native", both, v1.ModeNative, up, v1.ModeNative, false},
		{"unsupported explicit", both, v1.ModeRemote, up, "", true},
		{"remote only", remote, v1.ModeAuto, up, v1.ModeRemote, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveMode(ctx, tt.d, tt.req, tt.probe)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSourceURLAndEnvKey(t *testing.T) {
	d := Descriptor{Name: "pico-claw", Source: "https://example.com/v{version}/pico-{os}-{arch}.tar.gz"}
	url := d.SourceURL("v1.2.3")
	assert.True(t, strings.HasPrefix(url, "https://example.com/v1.2.3/pico-"))
	assert.NotContains(t, url, "{")
	assert.Equal(t, "PICO_CLAW", d.Name.EnvKey())
}
