package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablab-io/machine-agent/internal/models"
)

// TestSQLiteStore_RoundTrip tests save, overwrite, load and delete against a
// real database file.
func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	defer store.Close()

	serial := models.Device{
		ID:   "dev-serial",
		Name: "ender",
		Kind: models.AdapterSerial,
		Conn: models.ConnectionParams{SerialPath: "/dev/ttyUSB0", BaudRate: 115200},
	}
	network := models.Device{
		ID:   "dev-rest",
		Name: "octo",
		Kind: models.AdapterRESTNetwork,
		Conn: models.ConnectionParams{Address: "10.0.0.5", Port: 80, APIKey: "secret", Profile: models.ProfileOctoPrint},
	}

	require.NoError(t, store.Save(serial))
	require.NoError(t, store.Save(network))

	// Rows come back ordered by ID: dev-rest before dev-serial
	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, network, loaded[0])
	assert.Equal(t, serial, loaded[1])

	// Saving the same ID replaces the row
	serial.Name = "ender v2"
	require.NoError(t, store.Save(serial))
	loaded, err = store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "ender v2", loaded[1].Name)

	// Delete is idempotent
	require.NoError(t, store.Delete(serial.ID))
	require.NoError(t, store.Delete(serial.ID))
	loaded, err = store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, network.ID, loaded[0].ID)
}

// TestSQLiteStore_Reopen tests that configuration survives a restart.
func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(models.Device{
		ID:   "dev-1",
		Name: "cnc",
		Kind: models.AdapterModbusTCP,
		Conn: models.ConnectionParams{Address: "10.0.0.9", Port: 502, UnitID: 1},
	}))
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "cnc", loaded[0].Name)
	assert.Equal(t, 1, loaded[0].Conn.UnitID)
}
