package registry

import (
	"database/sql"
	"fmt"
	"time"
)

// Item is the persistent record of one panel item.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Executable  string    `json:"executable"`
	State       string    `json:"state"`
	PID         int       `json:"pid,omitempty"`
	ToBeRemoved bool      `json:"to_be_removed"`
	Anomaly     string    `json:"anomaly,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const itemColumns = `id, name, display_name, executable, state, pid, to_be_removed, anomaly, created_at, updated_at`

// SaveItem inserts or replaces an item.
func (d *DB) SaveItem(it *Item) error {
	created := it.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			executable = excluded.executable,
			state = excluded.state,
			pid = excluded.pid,
			to_be_removed = excluded.to_be_removed,
			anomaly = excluded.anomaly,
			updated_at = excluded.updated_at
	`, it.ID, it.Name, it.DisplayName, it.Executable, it.State, it.PID,
		boolInt(it.ToBeRemoved), it.Anomaly,
		created.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetItem retrieves an item by ID. It returns nil, nil when there is none.
func (d *DB) GetItem(id string) (*Item, error) {
	row := d.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

// ListItems returns all items, oldest first.
func (d *DB) ListItems() ([]*Item, error) {
	rows, err := d.db.Query(`SELECT ` + itemColumns + ` FROM items ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateState records a state transition.
func (d *DB) UpdateState(id, state string, toBeRemoved bool) error {
	return d.update(id, `state = ?, to_be_removed = ?`, state, boolInt(toBeRemoved))
}

// UpdatePID records the pid of the item's process.
func (d *DB) UpdatePID(id string, pid int) error {
	return d.update(id, `pid = ?`, pid)
}

// MarkAnomaly records why an item ended abnormally.
func (d *DB) MarkAnomaly(id, anomaly string) error {
	return d.update(id, `anomaly = ?`, anomaly)
}

func (d *DB) update(id, set string, args ...any) error {
	args = append(args, time.Now().UTC().Format(time.RFC3339), id)
	res, err := d.db.Exec(`UPDATE items SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item %s not found", id)
	}
	return nil
}

// DeleteItem removes an item.
func (d *DB) DeleteItem(id string) error {
	_, err := d.db.Exec(`DELETE FROM items WHERE id = ?`, id)
	return err
}

// PruneGone deletes items that reached the gone state before cutoff and
// returns how many were removed.
func (d *DB) PruneGone(cutoff time.Time) (int, error) {
	res, err := d.db.Exec(`DELETE FROM items WHERE state = 'gone' AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var it Item
	var toBeRemoved int
	var createdStr, updatedStr string

	err := s.Scan(&it.ID, &it.Name, &it.DisplayName, &it.Executable, &it.State,
		&it.PID, &toBeRemoved, &it.Anomaly, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	it.ToBeRemoved = toBeRemoved != 0
	it.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	it.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return &it, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
