// Package store is the ordered, prefix-partitioned key→bytes datastore
// shared by every repository in this process, adapted from the teacher's
// pkg/storage BoltDB store (one bucket per entity kind) into a single flat
// keyspace scoped by the prefixes named in spec §6.
package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Key prefixes, matching the persisted state layout table.
const (
	PrefixSortition   = "//sortition/"      // + chain_id
	PrefixFHE         = "//fhe/"            // + e3_id
	PrefixKeyshare    = "//keyshare/"       // + e3_id
	PrefixPubkey      = "//pubkey/"         // + e3_id
	PrefixPlaintext   = "//plaintext/"      // + e3_id
	PrefixContext     = "//context/"        // + e3_id
	PrefixEvmReader   = "//evm/"            // + chain_id/reader/contract
	PrefixNetKey      = "//net/keypair"     // exact key, no suffix
	PrefixEthKey      = "//eth/private_key" // exact key, no suffix
	PrefixSecretsSalt = "//secrets/salt"    // exact key, no suffix; cleartext KDF salt
)

var rootBucket = []byte("enclave")

// Store is a single multi-reader/single-writer BoltDB-backed datastore.
// Writes by one actor are immediately visible to that actor's subsequent
// reads; cross-actor visibility is eventual, bounded by the HLC order of
// the triggering event, per spec §5.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the datastore under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "ciphernode.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes value under key, prefixing it with an 8-byte big-endian
// sequence number derived from seq. This is the internal HLC-to-datastore
// sequence bridge: Get and ForEachPrefix hand the sequence back beside the
// value, and the encoding stays inside this package. It does not affect
// iteration order; ForEachPrefix still visits keys in key order.
func (s *Store) Put(key string, seq uint64, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		return b.Put([]byte(key), encodeSeqValue(seq, value))
	})
}

// Get reads the value stored under key, stripping the sequence prefix.
// Returns ok=false if key is absent.
func (s *Store) Get(key string) (value []byte, seq uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		ok = true
		seq, value = decodeSeqValue(raw)
		return nil
	})
	return value, seq, ok, err
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete([]byte(key))
	})
}

// Entry is one key/value pair returned by ForEachPrefix.
type Entry struct {
	Key   string
	Seq   uint64
	Value []byte
}

// ForEachPrefix visits every key beginning with prefix in key order.
func (s *Store) ForEachPrefix(prefix string, fn func(Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			seq, value := decodeSeqValue(v)
			if err := fn(Entry{Key: string(k), Seq: seq, Value: value}); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func encodeSeqValue(seq uint64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], seq)
	copy(buf[8:], value)
	return buf
}

func decodeSeqValue(raw []byte) (uint64, []byte) {
	if len(raw) < 8 {
		return 0, raw
	}
	return binary.BigEndian.Uint64(raw[:8]), raw[8:]
}
