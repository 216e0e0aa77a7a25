package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations_OrderedById(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/010_indexes.sql": {Data: []byte("CREATE INDEX a ON b (c);")},
		"sql/002_steps.sql":   {Data: []byte("CREATE TABLE steps ();")},
		"sql/001_init.sql":    {Data: []byte("CREATE TABLE runs ();")},
		"sql/README.md":       {Data: []byte("ignored")},
	}

	migrations, err := ReadMigrations(fsys, "sql")
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, 1, migrations[0].id)
	assert.Equal(t, "001_init.sql", migrations[0].name)
	assert.Equal(t, 2, migrations[1].id)
	assert.Equal(t, 10, migrations[2].id)
	assert.Equal(t, "CREATE INDEX a ON b (c);", migrations[2].sql)
}

func TestReadMigrations_RejectsUnnumberedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/init.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(fsys, "sql")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	s := CreateConnectionString(map[string]string{
		"host":     "localhost",
		"password": `it's`,
		"dbname":   "bulk",
	})
	assert.Equal(t, `dbname='bulk' host='localhost' password='it\'s'`, s)
}

func TestUniqueTableName(t *testing.T) {
	a := UniqueTableName("staging")
	b := UniqueTableName("staging")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, "^staging_tmp_[0-9a-f]{32}$", a)
}
