// Package peerdb persists what the node knows about its peers: contact
// details, key material, allow and deny entries, and the node's own session
// key. It is the storage collaborator behind the p2p connection registry.
package peerdb

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"orechain/crypto"
)

var ErrNotFound = errors.New("peerdb: not found")

// Entry is the persisted record for one known peer. Deny and allow carry
// unix-second expiries; a negative value means "forever".
type Entry struct {
	NetworkID    uint32 `json:"networkID"`
	Addr         string `json:"addr"`
	Port         uint16 `json:"port"`
	PublicKey    string `json:"publicKey"`
	ExpireBlock  uint64 `json:"expireBlock"`
	AllowedUntil int64  `json:"allowedUntil"`
	DeniedUntil  int64  `json:"deniedUntil"`
	InitialPeer  bool   `json:"initialPeer"`
	LastContact  int64  `json:"lastContact"`
}

func (e *Entry) key() string {
	return peerKey(e.NetworkID, e.Addr, e.Port)
}

func peerKey(networkID uint32, addr string, port uint16) string {
	return fmt.Sprintf("peer:%d:%s:%d", networkID, addr, port)
}

type localRecord struct {
	PrivateKey  string `json:"privateKey"`
	ExpireBlock uint64 `json:"expireBlock"`
}

const localKey = "local:key"

// DB is a LevelDB-backed peer database with an in-memory cache of all
// entries.
type DB struct {
	mu sync.RWMutex

	db      *leveldb.DB
	entries map[string]*Entry

	localPriv   *crypto.PrivateKey
	localExpire uint64
}

// Open opens (or creates) the peer database at path. A fresh database gets a
// newly generated local session key expiring at keyExpireBlock.
func Open(path string, keyExpireBlock uint64) (*DB, error) {
	return OpenWithKey(path, nil, keyExpireBlock)
}

// OpenWithKey is Open with an explicit initial session key, typically the
// node's keystore identity. The seed only applies when the database has no
// local key yet; a persisted (possibly rotated) key always wins.
func OpenWithKey(path string, seed *crypto.PrivateKey, keyExpireBlock uint64) (*DB, error) {
	if path == "" {
		return nil, errors.New("peerdb path required")
	}
	ldb, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerdb: %w", err)
	}
	db := &DB{
		db:      ldb,
		entries: make(map[string]*Entry),
	}
	if err := db.load(seed, keyExpireBlock); err != nil {
		_ = ldb.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) load(seed *crypto.PrivateKey, keyExpireBlock uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	iter := d.db.NewIterator(util.BytesPrefix([]byte("peer:")), nil)
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			iter.Release()
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		copied := e
		d.entries[copied.key()] = &copied
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	raw, err := d.db.Get([]byte(localKey), nil)
	switch {
	case err == nil:
		var rec localRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode local key: %w", err)
		}
		keyBytes, err := hex.DecodeString(rec.PrivateKey)
		if err != nil {
			return fmt.Errorf("decode local key material: %w", err)
		}
		priv, err := crypto.PrivateKeyFromBytes(keyBytes)
		if err != nil {
			return fmt.Errorf("parse local key: %w", err)
		}
		d.localPriv = priv
		d.localExpire = rec.ExpireBlock
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return d.setLocalKeyLocked(seed, keyExpireBlock)
	default:
		return fmt.Errorf("load local key: %w", err)
	}
}

// setLocalKeyLocked persists priv (generating one when nil) as the local
// session key.
func (d *DB) setLocalKeyLocked(priv *crypto.PrivateKey, expireBlock uint64) error {
	if priv == nil {
		var err error
		priv, err = crypto.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("generate local key: %w", err)
		}
	}
	rec := localRecord{
		PrivateKey:  hex.EncodeToString(priv.Bytes()),
		ExpireBlock: expireBlock,
	}
	blob, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := d.db.Put([]byte(localKey), blob, nil); err != nil {
		return fmt.Errorf("persist local key: %w", err)
	}
	d.localPriv = priv
	d.localExpire = expireBlock
	return nil
}

// Close flushes and closes the underlying database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	d.entries = nil
	return err
}

// LocalKey returns the node's current session key and its expiry height.
func (d *DB) LocalKey() (*crypto.PrivateKey, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localPriv, d.localExpire
}

// Rekey generates, persists, and returns a new local session key expiring at
// the given block height. The previous key is returned alongside so callers
// can sign re-handshakes with it.
func (d *DB) Rekey(expireBlock uint64) (oldKey, newKey *crypto.PrivateKey, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.localPriv
	if err := d.setLocalKeyLocked(nil, expireBlock); err != nil {
		return nil, nil, err
	}
	return old, d.localPriv, nil
}

// Get returns the entry for a peer, or ErrNotFound.
func (d *DB) Get(networkID uint32, addr string, port uint16) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[peerKey(networkID, addr, port)]
	if e == nil {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// Upsert inserts or replaces a peer entry.
func (d *DB) Upsert(e Entry) error {
	if e.Addr == "" {
		return errors.New("peerdb: addr required")
	}
	if e.LastContact == 0 {
		e.LastContact = time.Now().Unix()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := e
	d.entries[copied.key()] = &copied
	return d.persistLocked(&copied)
}

// Touch updates a peer's last-contact timestamp, inserting a bare entry if
// the peer is unknown.
func (d *DB) Touch(networkID uint32, addr string, port uint16, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := peerKey(networkID, addr, port)
	e := d.entries[key]
	if e == nil {
		e = &Entry{NetworkID: networkID, Addr: addr, Port: port}
		d.entries[key] = e
	}
	e.LastContact = now.Unix()
	return d.persistLocked(e)
}

// SetDeny writes a deny-until timestamp for a peer, creating the entry if
// needed. until < 0 denies forever.
func (d *DB) SetDeny(networkID uint32, addr string, port uint16, until int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := peerKey(networkID, addr, port)
	e := d.entries[key]
	if e == nil {
		e = &Entry{NetworkID: networkID, Addr: addr, Port: port}
		d.entries[key] = e
	}
	e.DeniedUntil = until
	return d.persistLocked(e)
}

// DenyUntil returns the peer's deny expiry (0 if none is recorded).
func (d *DB) DenyUntil(networkID uint32, addr string, port uint16) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[peerKey(networkID, addr, port)]
	if e == nil {
		return 0
	}
	return e.DeniedUntil
}

// IsDenied reports whether the peer is denied as of now.
func (d *DB) IsDenied(networkID uint32, addr string, port uint16, now time.Time) bool {
	until := d.DenyUntil(networkID, addr, port)
	return until < 0 || until > now.Unix()
}

// SetAllow writes an allow-until timestamp for a peer, creating the entry if
// needed. until < 0 allows forever.
func (d *DB) SetAllow(networkID uint32, addr string, port uint16, until int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := peerKey(networkID, addr, port)
	e := d.entries[key]
	if e == nil {
		e = &Entry{NetworkID: networkID, Addr: addr, Port: port}
		d.entries[key] = e
	}
	e.AllowedUntil = until
	return d.persistLocked(e)
}

// IsAllowed reports whether the peer is allow-listed as of now. Allow-listed
// peers are exempt from bans and pruning.
func (d *DB) IsAllowed(networkID uint32, addr string, port uint16, now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[peerKey(networkID, addr, port)]
	if e == nil {
		return false
	}
	return e.AllowedUntil < 0 || e.AllowedUntil > now.Unix()
}

// IsInitialPeer reports whether the peer came from the configured bootstrap
// set.
func (d *DB) IsInitialPeer(networkID uint32, addr string, port uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.entries[peerKey(networkID, addr, port)]
	return e != nil && e.InitialPeer
}

// Snapshot returns a copy of every known peer entry.
func (d *DB) Snapshot() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	return out
}

func (d *DB) persistLocked(e *Entry) error {
	if d.db == nil {
		return errors.New("peerdb closed")
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return d.db.Put([]byte(e.key()), blob, nil)
}
