// Package audit persists authorization denials in a local Badger
// database so that failed access attempts survive broker restarts and
// can be reviewed without grepping logs.
package audit

import (
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const keyPrefix = "denial:"

// Entry is one recorded authorization denial.
type Entry struct {
	At         time.Time `json:"at"`
	OperatorID int64     `json:"operator_id"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
}

// Log is a Badger-backed append-only denial log.
type Log struct {
	db *badger.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Log, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// Append records a denial. Keys embed the timestamp so iteration
// order is chronological.
func (l *Log) Append(entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := []byte(keyPrefix + entry.At.UTC().Format(time.RFC3339Nano) + ":" + uuid.NewString())
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Recent returns up to n most recent denials, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the whole prefix range.
		seek := append([]byte(keyPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(entries) < n; it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var entry Entry
				if err := json.Unmarshal(value, &entry); err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
