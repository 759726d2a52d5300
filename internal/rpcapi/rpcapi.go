// Package rpcapi defines the contract boundary other services call into:
// Core, plus the error-kind-to-wire-status translation every transport
// binding (gRPC, HTTP, or an in-process caller) is expected to apply. No
// wire framing lives here, only the Go-native contract and status
// mapping for the system's external interfaces.
package rpcapi

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/databloom/kvquant-core/internal/block"
	"github.com/databloom/kvquant-core/internal/errs"
	"github.com/databloom/kvquant-core/internal/kvcache"
	"github.com/databloom/kvquant-core/internal/quant"
	"github.com/databloom/kvquant-core/internal/replication"
	"github.com/databloom/kvquant-core/internal/vault"
)

// Status is the wire-level status every Core error translates to.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusInvalidArgument
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}

// ToStatus classifies err into a wire Status using the shared error
// taxonomy. UnsupportedPrecision maps to INVALID_ARGUMENT, since an unknown
// width is a bad request; every kind other than NotFound, InvalidArgument
// and UnsupportedPrecision maps to INTERNAL.
func ToStatus(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch errs.ClassOf(err) {
	case errs.NotFound:
		return StatusNotFound
	case errs.InvalidArgument, errs.UnsupportedPrecision:
		return StatusInvalidArgument
	default:
		return StatusInternal
	}
}

// CacheUpdate is the event Publish delivers to the Subscribe callers of a
// model.
type CacheUpdate struct {
	ModelID  string
	VectorID uint32
	Data     []byte
}

// Core is the single entry point external callers use to drive the
// quantization pipeline, the tiered vault, and the cache as one unit.
type Core interface {
	StoreQuantizedFeatures(ctx context.Context, modelID string, bitWidth int, payload []byte) error
	CacheFetch(ctx context.Context, key []byte) ([]byte, error)
	CacheUpdate(ctx context.Context, vectorID uint32, data []byte) error
	Subscribe(ctx context.Context, modelID string) (<-chan CacheUpdate, error)
}

// Service is the concrete Core wiring the cache, vault, quantizer, and
// replication manager together.
type Service struct {
	Cache       *kvcache.Cache
	Vault       *vault.Vault
	Replication *replication.Manager
	NodeID      uint

	subMu       sync.Mutex
	subscribers map[string][]chan CacheUpdate
}

// NewService wires a Core implementation from already-constructed
// components.
func NewService(cache *kvcache.Cache, v *vault.Vault, repl *replication.Manager, nodeID uint) *Service {
	return &Service{
		Cache:       cache,
		Vault:       v,
		Replication: repl,
		NodeID:      nodeID,
		subscribers: make(map[string][]chan CacheUpdate),
	}
}

// StoreQuantizedFeatures stores an already-quantized payload (produced by
// the quant package at the caller's chosen bitWidth) under modelID in the
// vault, where it enters the Device tier like any other Store. bitWidth is validated against the supported ladder
// even though this path does not quantize itself: it is the boundary
// where a caller's claimed precision is checked.
func (s *Service) StoreQuantizedFeatures(ctx context.Context, modelID string, bitWidth int, payload []byte) error {
	precision := quant.Precision(bitWidth)
	if !precision.Valid() {
		return fmt.Errorf("rpcapi: %w: width %d", errs.ErrUnsupportedPrecision, bitWidth)
	}
	if len(payload) == 0 {
		return fmt.Errorf("rpcapi: %w", errs.ErrEmptyTensor)
	}

	key := modelKey(modelID)
	if err := s.Vault.Store(key, payload); err != nil {
		return fmt.Errorf("rpcapi: vault store: %w", err)
	}

	if s.Replication != nil {
		s.Replication.Broadcast(replication.Write{Key: key, Value: payload, Timestamp: uint64(time.Now().UnixNano())})
	}
	return nil
}

// CacheFetch reads a value out of the tiered vault by key, promoting it
// toward Device on a hit per the vault's own tier semantics.
func (s *Service) CacheFetch(ctx context.Context, key []byte) ([]byte, error) {
	data, err := s.Vault.Fetch(key)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: %w", err)
	}
	return data, nil
}

// CacheUpdate admits a record keyed by vectorID into the log-structured
// cache, stores data in the vault under vectorID, and replicates the write.
// Salience is not known at this boundary, so the record goes through the
// cache's Update path with full salience (1.0). CacheUpdate does not notify
// subscribers; events reach them only through Publish.
func (s *Service) CacheUpdate(ctx context.Context, vectorID uint32, data []byte) error {
	rec := block.Record{TokenID: vectorID}
	s.Cache.Update(rec, 1.0)

	key := vectorKey(vectorID)
	if err := s.Vault.Store(key, data); err != nil {
		return fmt.Errorf("rpcapi: vault store: %w", err)
	}
	if s.Replication != nil {
		s.Replication.Broadcast(replication.Write{Key: key, Value: data, Timestamp: uint64(time.Now().UnixNano())})
	}
	return nil
}

// Subscribe returns a channel of CacheUpdate events scoped to modelID. The
// subscription is removed and the channel closed when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, modelID string) (<-chan CacheUpdate, error) {
	ch := make(chan CacheUpdate, 64)
	s.subMu.Lock()
	s.subscribers[modelID] = append(s.subscribers[modelID], ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		subs := s.subscribers[modelID]
		for i, sub := range subs {
			if sub == ch {
				s.subscribers[modelID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.subMu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Publish notifies every subscriber of modelID with upd, dropping the
// event for any subscriber whose channel is currently full.
func (s *Service) Publish(modelID string, upd CacheUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[modelID] {
		select {
		case ch <- upd:
		default:
		}
	}
}

func modelKey(modelID string) []byte { return []byte("model:" + modelID) }

func vectorKey(vectorID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, vectorID)
	return buf
}
