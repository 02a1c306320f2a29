package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_MigrationFiles_ParsesVersionAndChecksum(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/V001__processing_queue.sql": &fstest.MapFile{Data: []byte("CREATE TABLE x();")},
		"sql/V002__add_index.sql":        &fstest.MapFile{Data: []byte("CREATE INDEX y ON x();")},
		"sql/not_a_migration.txt":        &fstest.MapFile{Data: []byte("ignored")},
	}

	m := &Manager{fsys: fsys, dir: "sql"}

	files, err := m.migrationFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, int64(1), files[0].version)
	assert.Equal(t, int64(2), files[1].version)
	assert.NotEmpty(t, files[0].checksum)
	assert.NotEqual(t, files[0].checksum, files[1].checksum)
}

func TestManager_MigrationFiles_StableChecksum(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/V001__same.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
	}
	m := &Manager{fsys: fsys, dir: "sql"}

	first, err := m.migrationFiles()
	require.NoError(t, err)
	second, err := m.migrationFiles()
	require.NoError(t, err)

	assert.Equal(t, first[0].checksum, second[0].checksum)
}
