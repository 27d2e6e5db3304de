package registry

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/fablab-io/machine-agent/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	port         INTEGER NOT NULL DEFAULT 0,
	api_key      TEXT NOT NULL DEFAULT '',
	serial_path  TEXT NOT NULL DEFAULT '',
	baud_rate    INTEGER NOT NULL DEFAULT 0,
	profile      TEXT NOT NULL DEFAULT '',
	topic_prefix TEXT NOT NULL DEFAULT '',
	unit_id      INTEGER NOT NULL DEFAULT 0
);`

// SQLiteStore persists device configuration in a local SQLite database.
// Only identity and connection parameters are stored; runtime status is
// deliberately absent from the schema.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore opens (and if needed initializes) the database at path.
func OpenStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening device database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing device schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces one device row.
func (s *SQLiteStore) Save(device models.Device) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO devices
		(id, name, kind, address, port, api_key, serial_path, baud_rate, profile, topic_prefix, unit_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID, device.Name, string(device.Kind),
		device.Conn.Address, device.Conn.Port, device.Conn.APIKey,
		device.Conn.SerialPath, device.Conn.BaudRate, device.Conn.Profile,
		device.Conn.TopicPrefix, device.Conn.UnitID,
	)
	return err
}

// Delete removes one device row. Deleting an absent row is not an error.
func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	return err
}

// LoadAll returns every stored device.
func (s *SQLiteStore) LoadAll() ([]models.Device, error) {
	rows, err := s.db.Query(`
		SELECT id, name, kind, address, port, api_key, serial_path, baud_rate, profile, topic_prefix, unit_id
		FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var kind string
		if err := rows.Scan(&d.ID, &d.Name, &kind,
			&d.Conn.Address, &d.Conn.Port, &d.Conn.APIKey,
			&d.Conn.SerialPath, &d.Conn.BaudRate, &d.Conn.Profile,
			&d.Conn.TopicPrefix, &d.Conn.UnitID); err != nil {
			return nil, err
		}
		d.Kind = models.AdapterKind(kind)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
