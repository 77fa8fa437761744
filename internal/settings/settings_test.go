//go:build !js

package settings

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/background"
	"github.com/kittclouds/kittgraph/internal/logging"
)

type backendFactory func(t *testing.T) Backend

func backends(t *testing.T) map[string]backendFactory {
	t.Helper()
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	boltPath := filepath.Join(t.TempDir(), "settings.db")

	return map[string]backendFactory{
		"fs": func(t *testing.T) Backend {
			return NewFSBackend(fsys, "state/settings.json")
		},
		"bolt": func(t *testing.T) Backend {
			b, err := OpenBolt(boltPath)
			require.NoError(t, err)
			return b
		},
	}
}

func runTestsForAllBackends(t *testing.T, fn func(t *testing.T, open backendFactory)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open)
		})
	}
}

func TestSetGetAndReopen(t *testing.T) {
	runTestsForAllBackends(t, func(t *testing.T, open backendFactory) {
		q := background.New(0, logging.Discard())
		defer q.Close()

		backend := open(t)
		s, err := Open(backend, q, logging.Discard())
		require.NoError(t, err)

		require.NoError(t, s.Set("theme", "dark"))
		require.NoError(t, s.Set("limits", map[string]int{"max": 3}))
		s.Remove("missing")

		// reads see the mirror before the backend write lands
		assert.Equal(t, "dark", s.GetString("theme", "light"))
		var limits map[string]int
		require.True(t, s.Get("limits", &limits))
		assert.Equal(t, 3, limits["max"])
		assert.Equal(t, []string{"limits", "theme"}, s.Keys())

		s.Remove("limits")
		require.NoError(t, q.Flush(context.Background()))
		require.NoError(t, backend.Close())

		reopened, err := Open(open(t), nil, logging.Discard())
		require.NoError(t, err)
		assert.Equal(t, "dark", reopened.GetString("theme", ""))
		assert.False(t, reopened.Get("limits", &limits))
	})
}

func TestGetUndecodable(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	s, err := Open(NewFSBackend(fsys, "settings.json"), nil, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, s.Set("count", 3))
	var str string
	assert.False(t, s.Get("count", &str))
	assert.Equal(t, "fallback", s.GetString("count", "fallback"))
}

func TestFSBackendCorruptFile(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	b := NewFSBackend(fsys, "settings.json")
	require.NoError(t, b.Put("k", json.RawMessage(`1`)))

	reloaded := NewFSBackend(fsys, "settings.json")
	values, err := reloaded.Load()
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(values["k"]))

	require.NoError(t, hackpadfs.WriteFullFile(fsys, "settings.json", []byte("{"), 0o644))
	_, err = NewFSBackend(fsys, "settings.json").Load()
	require.Error(t, err)
}
