// Package block implements the smallest allocation unit of the log-structured
// KV cache: a cell that owns a small mapping from token_id to token record
// plus a tri-state allocator state. Blocks never self-promote; the spot and
// cache layers above drive every state transition.
package block

import "github.com/databloom/kvquant-core/internal/errs"

// State is the allocator state of a Block.
type State int

const (
	// Free blocks hold no data and may accept a first write.
	Free State = iota
	// Valid blocks have been written to at least once.
	Valid
	// Invalidated blocks are terminal until their owning spot is erased.
	Invalidated
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Valid:
		return "Valid"
	case Invalidated:
		return "Invalidated"
	default:
		return "Unknown"
	}
}

// GraphEntry is the optional adjacency annotation a token record may carry.
type GraphEntry struct {
	Node      int
	Neighbors []int
}

// Record is a single token-keyed entry stored in a Block.
type Record struct {
	TokenID  uint32
	Value    float32
	Pointer  uint
	Bias     float32
	VectorID *uint32
	Graph    *GraphEntry
}

// Block is a cell owning a mapping from token_id to Record, a State, and an
// id unique within its owning Spot.
type Block struct {
	id    int
	state State
	data  map[uint32]Record
}

// New constructs a Block in state Free.
func New(id int) *Block {
	return &Block{id: id, state: Free}
}

// ID returns the block's id within its spot.
func (b *Block) ID() int { return b.id }

// State returns the current allocator state.
func (b *Block) State() State { return b.state }

// Len returns the number of token records currently mapped.
func (b *Block) Len() int { return len(b.data) }

// Write maps rec.TokenID to rec, transitioning Free or Valid to Valid.
// Idempotent: writing the same token_id again overwrites its record without
// changing state. Invalidated blocks reject writes until erased.
func (b *Block) Write(rec Record) error {
	if b.state == Invalidated {
		return errs.New(errs.Internal, "block: write to invalidated block")
	}
	if b.data == nil {
		b.data = make(map[uint32]Record, 1)
	}
	b.data[rec.TokenID] = rec
	b.state = Valid
	return nil
}

// Lookup returns the record mapped to tokenID, if any.
func (b *Block) Lookup(tokenID uint32) (Record, bool) {
	rec, ok := b.data[tokenID]
	return rec, ok
}

// Contains reports whether tokenID is currently mapped.
func (b *Block) Contains(tokenID uint32) bool {
	_, ok := b.data[tokenID]
	return ok
}

// Unmap clears tokenID's mapping without touching the block's state.
func (b *Block) Unmap(tokenID uint32) {
	delete(b.data, tokenID)
}

// Invalidate transitions the block to Invalidated. The mapping itself is
// left untouched so callers that need to read it once more (e.g. to migrate
// to the vault before invalidating) may still do so; Erase is what clears it.
func (b *Block) Invalidate() {
	b.state = Invalidated
}

// Erase resets the block to Free and clears its mapping. This is the only
// transition that returns a block to Free after its first write.
func (b *Block) Erase() {
	b.data = nil
	b.state = Free
}
