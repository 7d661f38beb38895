// Package stoc implements the storage-node side of the protocol: the
// RTable region registry and its bbolt-backed durability layer,
// adapted from a BoltStore style (originally pkg/storage/boltdb.go) —
// same bucket-per-entity CRUD idiom, generalized from JSON-marshaled
// cluster objects to raw byte ranges keyed by a big-endian rtable id.
package stoc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRTables    = []byte("rtables")
	bucketLogBuffers = []byte("logbuffers")
	bucketRTableIdx  = []byte("rtable_index")
)

// Store is the bbolt-backed durability layer for one StoC: every rtable
// region's bytes and metadata, plus replicated log buffers, survive a
// process restart here.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if necessary) the StoC's database file under
// dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "stoc.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("stoc: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRTables, bucketLogBuffers, bucketRTableIdx} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("stoc: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func rtableKey(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}

// regionMeta is what gets JSON-marshaled alongside a region's raw bytes:
// everything needed to reconstruct a rtable.RTableHandle and its
// persisted flag after a restart.
type regionMeta struct {
	DBName     string `json:"db_name"`
	FileNumber uint64 `json:"file_number"`
	Persisted  bool   `json:"persisted"`
	Size       uint64 `json:"size"`
}

// PutRegion persists a region's bytes and metadata.
func (s *Store) PutRegion(id uint32, data []byte, meta regionMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRTables)
		metaData, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := b.Put(append(rtableKey(id), 'm'), metaData); err != nil {
			return err
		}
		return b.Put(append(rtableKey(id), 'd'), data)
	})
}

// GetRegion reads a region's bytes and metadata back.
func (s *Store) GetRegion(id uint32) ([]byte, regionMeta, error) {
	var data []byte
	var meta regionMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRTables)
		metaRaw := b.Get(append(rtableKey(id), 'm'))
		if metaRaw == nil {
			return fmt.Errorf("stoc: region %d not found", id)
		}
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return err
		}
		d := b.Get(append(rtableKey(id), 'd'))
		data = append([]byte(nil), d...)
		return nil
	})
	return data, meta, err
}

// DeleteRegion removes a region's bytes and metadata.
func (s *Store) DeleteRegion(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRTables)
		if err := b.Delete(append(rtableKey(id), 'm')); err != nil {
			return err
		}
		return b.Delete(append(rtableKey(id), 'd'))
	})
}

// ForEachRegion walks every persisted region's metadata, used to rebuild
// the in-memory registry after a restart.
func (s *Store) ForEachRegion(fn func(id uint32, meta regionMeta) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRTables)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 5 || k[4] != 'm' {
				continue
			}
			var meta regionMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			if err := fn(binary.BigEndian.Uint32(k[:4]), meta); err != nil {
				return err
			}
		}
		return nil
	})
}

// logBufferRecord is what gets JSON-marshaled for one replicated log
// file: its owning db (for QUERY_LOG_FILES) alongside the raw WAL bytes,
// so both survive a restart.
type logBufferRecord struct {
	DBName string `json:"db_name"`
	Data   []byte `json:"data"`
}

// PutLogBuffer persists one replicated log file's in-memory buffer and
// its owning db.
func (s *Store) PutLogBuffer(logFile, dbName string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(logBufferRecord{DBName: dbName, Data: data})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLogBuffers).Put([]byte(logFile), v)
	})
}

// GetLogBuffer reads a replicated log file's owning db and buffer back.
func (s *Store) GetLogBuffer(logFile string) (string, []byte, error) {
	var rec logBufferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLogBuffers).Get([]byte(logFile))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &rec)
	})
	return rec.DBName, rec.Data, err
}

// ForEachLogBuffer walks every persisted replicated log file, used to
// rebuild a Server's in-memory log state after a restart.
func (s *Store) ForEachLogBuffer(fn func(logFile, dbName string, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogBuffers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec logBufferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if err := fn(string(k), rec.DBName, rec.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteLogBuffer removes a log file's buffer, used by
// InitiateCloseLogFile's DELETE_LOG_FILE broadcast.
func (s *Store) DeleteLogBuffer(logFile string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLogBuffers).Delete([]byte(logFile))
	})
}

// PutFilenameMapping records which rtable id a filename currently maps
// to, backing FILENAME_RTABLE_MAPPING.
func (s *Store) PutFilenameMapping(filename string, rtableID uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRTableIdx).Put([]byte(filename), rtableKey(rtableID))
	})
}

// DeleteFilenameMapping drops a filename's mapping, used during GC when
// a filename is no longer referenced.
func (s *Store) DeleteFilenameMapping(filename string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRTableIdx).Delete([]byte(filename))
	})
}
