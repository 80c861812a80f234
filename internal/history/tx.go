package history

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rowjay/report-backup/internal/backup"
)

var errReadOnlyTx = errors.New("history: mutation inside View")

// Tx is a view of the history inside one View or Update call. It must not be
// retained after the callback returns.
type Tx struct {
	records  []backup.Record
	writable bool
	dirty    bool
}

// Records returns a copy of all records in id order.
func (tx *Tx) Records() []backup.Record {
	return cloneAll(tx.records)
}

// Get returns a copy of the record with id.
func (tx *Tx) Get(id int64) (backup.Record, bool) {
	if i := indexOf(tx.records, id); i >= 0 {
		return tx.records[i].Clone(), true
	}
	return backup.Record{}, false
}

// Append adds a finalized record. Only terminal records are persisted.
func (tx *Tx) Append(rec backup.Record) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	if rec.ID <= 0 {
		return fmt.Errorf("history: invalid id %d", rec.ID)
	}
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("history: record %d is %s, not terminal", rec.ID, rec.Status)
	}
	i := sort.Search(len(tx.records), func(i int) bool { return tx.records[i].ID >= rec.ID })
	if i < len(tx.records) && tx.records[i].ID == rec.ID {
		return fmt.Errorf("history: duplicate id %d", rec.ID)
	}
	tx.records = append(tx.records, backup.Record{})
	copy(tx.records[i+1:], tx.records[i:])
	tx.records[i] = rec.Clone()
	tx.dirty = true
	return nil
}

// Replace updates a record in place. Identity, creation time and status are fixed
// once a record is in the history.
func (tx *Tx) Replace(id int64, fn func(rec *backup.Record)) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	i := indexOf(tx.records, id)
	if i < 0 {
		return backup.NotFound(id)
	}
	next := tx.records[i].Clone()
	fn(&next)
	prev := tx.records[i]
	if next.ID != prev.ID || next.Status != prev.Status || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("history: record %d identity or status cannot change", id)
	}
	tx.records[i] = next
	tx.dirty = true
	return nil
}

// Delete removes the record with id and reports whether it was present.
func (tx *Tx) Delete(id int64) (bool, error) {
	if !tx.writable {
		return false, errReadOnlyTx
	}
	i := indexOf(tx.records, id)
	if i < 0 {
		return false, nil
	}
	tx.records = append(tx.records[:i], tx.records[i+1:]...)
	tx.dirty = true
	return true, nil
}
