package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/overlay/pkg/overlay"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultMatchesOverlay(t *testing.T) {
	cfg := Default("/data")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/data/images.db", cfg.Store.Path)

	oc := cfg.ToOverlay(nil)
	want := overlay.DefaultConfig()
	require.Equal(t, want.RegionBase, oc.RegionBase)
	require.Equal(t, want.RegionSize, oc.RegionSize)
	require.Equal(t, want.TableCapacity, oc.TableCapacity)
	require.Equal(t, want.TrackingDepth, oc.TrackingDepth)
	require.NotNil(t, oc.Logger)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Equal(t, Default(dir), cfg)

	_, err = Load(filepath.Join(dir, "nope.toml"), dir)
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, `
[log]
level = "debug"

[overlay]
region-base = 0x8000
region-size = "2KiB"
table-capacity = 8
debug = true

[trace]
enabled = true
batch-size = 64

[monitor]
address = "127.0.0.1:9999"
`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, uint32(0x8000), cfg.Overlay.RegionBase)
	require.Equal(t, Size(2048), cfg.Overlay.RegionSize)
	require.Equal(t, 8, cfg.Overlay.TableCapacity)
	require.Equal(t, overlay.DefaultTrackingDepth, cfg.Overlay.TrackingDepth)
	require.True(t, cfg.Overlay.Debug)
	require.True(t, cfg.Trace.Enabled)
	require.Equal(t, filepath.Join(dir, "trace"), cfg.Trace.Path)

	oc := cfg.ToOverlay(nil)
	require.Equal(t, uint32(2048), oc.RegionSize)
	require.True(t, oc.Debug)

	require.Equal(t, 64, cfg.ToTrace(nil).BatchSize)
	require.Equal(t, "127.0.0.1:9999", cfg.ToMonitor(nil).Address)

	log, err := cfg.Logger()
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(-1))
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad toml", `[overlay`},
		{"bad size", "[overlay]\nregion-size = \"lots\""},
		{"empty region", "[overlay]\nregion-size = \"0\""},
		{"no rows", "[overlay]\ntable-capacity = 0"},
		{"bad level", "[log]\nlevel = \"loud\""},
		{"trace without path", "[trace]\nenabled = true\npath = \"\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Load(writeFile(t, dir, tt.body), dir)
			require.Error(t, err)
		})
	}
}

func TestSizeText(t *testing.T) {
	var s Size
	require.NoError(t, s.UnmarshalText([]byte("16KiB")))
	require.Equal(t, Size(16*1024), s)
	require.Equal(t, "16KiB", s.String())

	require.NoError(t, s.UnmarshalText([]byte("1m")))
	require.Equal(t, Size(1<<20), s)

	require.Error(t, s.UnmarshalText([]byte("8GiB")))

	out, err := toml.Marshal(Default("/data"))
	require.NoError(t, err)
	require.Contains(t, string(out), `region-size = "16KiB"`)
}
