package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// bucketName is the BoltDB bucket holding usage records
	bucketName = "toolchains"

	// indexTimeout bounds how long we wait for another process holding the index
	indexTimeout = 1 * time.Second
)

// Index records install time, last use and size of cache entries in BoltDB.
// The database is opened per operation so concurrent invocations only contend
// for the duration of a single transaction.
type Index struct {
	path string
}

// NewIndex returns an index backed by the BoltDB file at path
func NewIndex(path string) *Index {
	return &Index{path: path}
}

// Path returns the database file location
func (i *Index) Path() string {
	return i.path
}

func (i *Index) update(fn func(b *bbolt.Bucket) error) error {
	db, err := bbolt.Open(i.path, 0o600, &bbolt.Options{Timeout: indexTimeout})
	if err != nil {
		return fmt.Errorf("failed to open cache index: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}

		return fn(b)
	})
}

func (i *Index) view(fn func(b *bbolt.Bucket) error) error {
	db, err := bbolt.Open(i.path, 0o600, &bbolt.Options{Timeout: indexTimeout})
	if err != nil {
		return fmt.Errorf("failed to open cache index: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}

		return fn(b)
	})
}

// RecordInstall stores a fresh record for a newly installed entry
func (i *Index) RecordInstall(entry Entry, size int64) error {
	rec := Record{
		Version:     entry.Version,
		Platform:    entry.Platform,
		InstalledAt: entry.Marker.InstalledAt,
		LastUsed:    entry.Marker.InstalledAt,
		Size:        size,
	}

	return i.put(rec)
}

// Touch updates an entry's last-used time, creating a record if none exists
func (i *Index) Touch(version, platform string, now time.Time) error {
	return i.update(func(b *bbolt.Bucket) error {
		rec := Record{Version: version, Platform: platform, InstalledAt: now}

		if data := b.Get(recordKey(version, platform)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}

		rec.LastUsed = now

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put(recordKey(version, platform), data)
	})
}

// Get returns the record for version and platform
func (i *Index) Get(version, platform string) (Record, bool, error) {
	var rec Record
	found := false

	err := i.view(func(b *bbolt.Bucket) error {
		data := b.Get(recordKey(version, platform))
		if data == nil {
			return nil
		}

		found = true
		return json.Unmarshal(data, &rec)
	})

	return rec, found, err
}

// All returns every record keyed by "<version>/<platform>"
func (i *Index) All() (map[string]Record, error) {
	records := make(map[string]Record)

	err := i.view(func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			records[string(k)] = rec
			return nil
		})
	})

	return records, err
}

// Delete removes the record for version and platform
func (i *Index) Delete(version, platform string) error {
	return i.update(func(b *bbolt.Bucket) error {
		return b.Delete(recordKey(version, platform))
	})
}

func (i *Index) put(rec Record) error {
	return i.update(func(b *bbolt.Bucket) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put(recordKey(rec.Version, rec.Platform), data)
	})
}
