package app

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/cache"
	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/logging"
	"github.com/kittclouds/kittgraph/internal/registry"
	"github.com/kittclouds/kittgraph/internal/settings"
	"github.com/kittclouds/kittgraph/internal/store"
)

func testConfig(driver string) config.Config {
	cfg := config.Default()
	cfg.DataDir = "unused"
	cfg.Engine.Driver = driver
	cfg.Persistence.DebounceWindow = 10 * time.Millisecond
	return cfg
}

func openOn(t *testing.T, fsys hackpadfs.FS, cfg config.Config) *App {
	t.Helper()
	ids := 0
	a, err := Open(cfg, Options{
		FS:       fsys,
		Settings: settings.NewFSBackend(fsys, "settings.json"),
		Logger:   logging.Discard(),
		NewID: func() string {
			ids++
			return fmt.Sprintf("%s-%03d", t.Name(), ids)
		},
	})
	require.NoError(t, err)
	return a
}

func seed(t *testing.T, r *registry.Registry) (jon, winterfell *store.Entity) {
	t.Helper()
	jon, err := r.RegisterEntity("Jon Snow", "CHARACTER", "note-1", registry.RegisterOptions{Aliases: []string{"Lord Snow"}})
	require.NoError(t, err)
	winterfell, err = r.RegisterEntity("Winterfell", "LOCATION", "note-1", registry.RegisterOptions{})
	require.NoError(t, err)
	_, err = r.AddRelationship(jon.ID, winterfell.ID, "lives in",
		store.Provenance{Source: "extraction", OriginID: "note-1", Confidence: 0.7},
		registry.RelationshipOptions{})
	require.NoError(t, err)
	return jon, winterfell
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("oracle")
	_, err := Open(cfg, Options{})
	assert.Error(t, err)
}

func TestOpenRequiresPlatformPieces(t *testing.T) {
	_, err := Open(testConfig(config.DriverMemory), Options{Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestGraphSurvivesRestart(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			fsys, err := mem.NewFS()
			require.NoError(t, err)
			cfg := testConfig(driver)

			a := openOn(t, fsys, cfg)
			jon, winterfell := seed(t, a.Registry)
			require.NoError(t, a.Close(context.Background()))

			b := openOn(t, fsys, cfg)
			defer b.Close(context.Background())

			assert.Positive(t, b.Recovery.Replayed)
			assert.Empty(t, b.Recovery.Failed)

			found := b.Registry.FindEntityByLabel("lord snow")
			require.NotNil(t, found)
			assert.Equal(t, jon.ID, found.ID)

			rels := b.Registry.GetRelationshipsForEntity(winterfell.ID)
			require.Len(t, rels, 1)
			assert.Equal(t, "LIVES_IN", rels[0].Type)
			assert.InDelta(t, 0.7, rels[0].Confidence, 1e-9)
		})
	}
}

func TestCloseWritesBootCache(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	cfg := testConfig(config.DriverMemory)

	a := openOn(t, fsys, cfg)
	seed(t, a.Registry)
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()), "second close is a no-op")

	backend := settings.NewFSBackend(fsys, "settings.json")
	values, err := backend.Load()
	require.NoError(t, err)
	require.Contains(t, values, cache.BootCacheKey)

	b := openOn(t, fsys, cfg)
	defer b.Close(context.Background())
	assert.True(t, b.Cache.Warmed())
	assert.Equal(t, 2, b.Registry.Stats().TotalEntities)
}

func TestRelationshipChangeSyncsBootCache(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	a := openOn(t, fsys, testConfig(config.DriverMemory))
	defer a.Close(context.Background())

	jon, winterfell := seed(t, a.Registry)
	require.NoError(t, a.Flush(context.Background()))

	_, err = a.Registry.AddRelationship(winterfell.ID, jon.ID, "home of",
		store.Provenance{Source: "extraction", OriginID: "note-2", Confidence: 0.5},
		registry.RelationshipOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Flush(context.Background()))

	var rec cache.BootRecord
	require.True(t, a.Settings.Get(cache.BootCacheKey, &rec))
	assert.Equal(t, 2, rec.TotalRelationshipCount)
	assert.Len(t, rec.Entities, 2)
}

func TestCompactionAfterRestartKeepsData(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	cfg := testConfig(config.DriverMemory)

	a := openOn(t, fsys, cfg)
	seed(t, a.Registry)
	require.NoError(t, a.Engine.Compact(context.Background()))
	_, err = a.Registry.RegisterEntity("Arya Stark", "CHARACTER", "note-2", registry.RegisterOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	b := openOn(t, fsys, cfg)
	defer b.Close(context.Background())

	assert.True(t, b.Recovery.SnapshotLoaded)
	assert.Positive(t, b.Recovery.Replayed, "post-snapshot writes come from the wal")
	assert.Equal(t, 3, b.Registry.Stats().TotalEntities)
	assert.Equal(t, 1, b.Registry.Stats().TotalRelationships)
}

func TestBackupRestoresIntoAnotherGraph(t *testing.T) {
	srcFS, err := mem.NewFS()
	require.NoError(t, err)
	src := openOn(t, srcFS, testConfig(config.DriverMemory))
	defer src.Close(context.Background())
	jon, _ := seed(t, src.Registry)

	var buf bytes.Buffer
	meta, err := src.ExportBackup(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.EntityCount)

	dstFS, err := mem.NewFS()
	require.NoError(t, err)
	dst := openOn(t, dstFS, testConfig(config.DriverSQLite))
	_, err = dst.Registry.RegisterEntity("Stale", "ITEM", "note-9", registry.RegisterOptions{})
	require.NoError(t, err)

	_, err = dst.ImportBackup(context.Background(), &buf)
	require.NoError(t, err)

	assert.Nil(t, dst.Registry.FindEntityByLabel("Stale"), "import replaces the graph")
	found := dst.Registry.FindEntityByLabel("Jon Snow")
	require.NotNil(t, found)
	assert.Equal(t, jon.ID, found.ID)
	require.NoError(t, dst.Close(context.Background()))

	again := openOn(t, dstFS, testConfig(config.DriverSQLite))
	defer again.Close(context.Background())
	assert.True(t, again.Recovery.SnapshotLoaded)
	assert.Equal(t, 2, again.Registry.Stats().TotalEntities)
}
