// Package diskstore implements the durable disk tier of the tiered vault.
//
// Entries are written to a single on-disk directory, sharded by a hash of
// their key, and optionally compressed with zstd. Disk is the durability
// anchor of the vault: it is write-through-preserved on promotion to a
// hotter tier and is the only tier expected to survive a restart.
package diskstore

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// EntryMeta holds metadata about a stored entry, persisted alongside the data.
type EntryMeta struct {
	KeyHex     string    `json:"key_hex"`
	SizeBytes  int       `json:"size_bytes"` // uncompressed size
	Compressed bool      `json:"compressed"`
	StoredAt   time.Time `json:"stored_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Store is the disk-backed durable tier.
type Store struct {
	mu sync.RWMutex

	path  string
	index map[string]*EntryMeta // keyed by hex(key)

	budget int64
	used   int64

	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// Config for creating a new Store.
type Config struct {
	Path     string // Directory the disk tier is rooted at.
	Budget   int64  // Max bytes on disk; 0 means unbounded.
	Compress bool   // Apply zstd compression.
}

// New creates a new disk-backed store, loading any existing index.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("diskstore: create dir: %w", err)
	}

	var enc *zstd.Encoder
	var dec *zstd.Decoder
	if cfg.Compress {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("diskstore: create zstd encoder: %w", err)
		}
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("diskstore: create zstd decoder: %w", err)
		}
	}

	s := &Store{
		path:     cfg.Path,
		index:    make(map[string]*EntryMeta),
		budget:   cfg.Budget,
		compress: cfg.Compress,
		encoder:  enc,
		decoder:  dec,
	}
	s.loadIndex()
	return s, nil
}

// keyHex renders a raw key as the index/filename identifier.
func keyHex(key []byte) string {
	return fmt.Sprintf("%x", key)
}

// Put stores a value under key. The disk tier has no further tier to evict
// to. Put does not enforce Budget; the budget is only reported by Stats.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := value
	compressed := false
	if s.compress && s.encoder != nil {
		payload = s.encoder.EncodeAll(value, nil)
		compressed = true
	}

	path := s.blockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return err
	}

	khex := keyHex(key)
	if old, ok := s.index[khex]; ok {
		s.used -= int64(old.SizeBytes)
	}
	meta := &EntryMeta{
		KeyHex:     khex,
		SizeBytes:  len(value),
		Compressed: compressed,
		StoredAt:   time.Now(),
		AccessedAt: time.Now(),
	}
	s.index[khex] = meta
	s.used += int64(len(value))
	return nil
}

// Get retrieves a value. Returns nil, nil if not found.
func (s *Store) Get(key []byte) ([]byte, error) {
	khex := keyHex(key)

	s.mu.RLock()
	meta, ok := s.index[khex]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	path := s.blockPath(key)
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("diskstore: read %s: %w", khex, err)
	}

	data := payload
	if meta.Compressed && s.decoder != nil {
		data, err = s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("diskstore: decompress %s: %w", khex, err)
		}
	}

	s.mu.Lock()
	meta.AccessedAt = time.Now()
	s.mu.Unlock()

	return data, nil
}

// Has reports whether key exists on disk.
func (s *Store) Has(key []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[keyHex(key)]
	return ok
}

// Remove deletes a key from disk.
func (s *Store) Remove(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	khex := keyHex(key)
	if meta, ok := s.index[khex]; ok {
		os.Remove(s.blockPath(key))
		s.used -= int64(meta.SizeBytes)
		delete(s.index, khex)
	}
}

// Stats reports disk tier usage.
type Stats struct {
	Entries int
	Used    int64
	Budget  int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Entries: len(s.index), Used: s.used, Budget: s.budget}
}

// Close flushes the index and releases resources.
func (s *Store) Close() error {
	s.saveIndex()
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

// ── internal ────────────────────────────────────────────────────────────────

// blockPath shards entries into 256 buckets by an FNV hash of the raw key,
// keeping any one directory from accumulating too many files.
func (s *Store) blockPath(key []byte) string {
	h := fnv.New32a()
	h.Write(key)
	shard := h.Sum32() % 256
	return filepath.Join(s.path, fmt.Sprintf("%02x", shard), keyHex(key)+".blk")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.path, "index.json")
}

func (s *Store) saveIndex() {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(s.indexPath(), data, 0644)
}

func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return
	}
	json.Unmarshal(data, &s.index)
	for _, meta := range s.index {
		s.used += int64(meta.SizeBytes)
	}
}
