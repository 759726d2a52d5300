// Package spot implements the log-structured allocation granule sitting
// above block.Block: a fixed-capacity array of blocks filled in index order,
// and a Manager that rotates to a fresh spot once the working one fills.
package spot

import (
	"sync"

	"github.com/databloom/kvquant-core/internal/block"
	"github.com/databloom/kvquant-core/internal/errs"
)

// Spot is a fixed-capacity ordered array of blocks.
type Spot struct {
	id       int
	blocks   []*block.Block
	capacity int
	isFull   bool
}

func newSpot(id, capacity int) *Spot {
	blocks := make([]*block.Block, capacity)
	for i := range blocks {
		blocks[i] = block.New(i)
	}
	return &Spot{id: id, blocks: blocks, capacity: capacity}
}

// ID returns the spot's id.
func (s *Spot) ID() int { return s.id }

// IsFull reports whether every block in the spot is non-Free.
func (s *Spot) IsFull() bool { return s.isFull }

// Block returns the block at index blockID, or nil if out of range.
func (s *Spot) Block(blockID int) *block.Block {
	if blockID < 0 || blockID >= len(s.blocks) {
		return nil
	}
	return s.blocks[blockID]
}

// Blocks returns the spot's blocks in index order. Callers must not mutate
// the returned slice's length; block contents are safe to read and mutate
// through the Block API.
func (s *Spot) Blocks() []*block.Block { return s.blocks }

// append writes rec into the lowest-index block that can still accept it: a
// Valid block holding fewer than blockSize records, or the first Free
// block. A spot that has no Free block rejects appends so rotation kicks
// in. Returns the block id on success.
func (s *Spot) append(rec block.Record, blockSize int) (int, bool) {
	if s.isFull {
		return 0, false
	}
	for _, b := range s.blocks {
		switch b.State() {
		case block.Valid:
			if b.Len() < blockSize {
				_ = b.Write(rec)
				return b.ID(), true
			}
		case block.Free:
			_ = b.Write(rec)
			s.recomputeFull()
			return b.ID(), true
		}
	}
	return 0, false
}

func (s *Spot) recomputeFull() {
	for _, b := range s.blocks {
		if b.State() == block.Free {
			s.isFull = false
			return
		}
	}
	s.isFull = true
}

// erase resets every block to Free and clears the full flag.
func (s *Spot) erase() {
	for _, b := range s.blocks {
		b.Erase()
	}
	s.isFull = false
}

// Manager is an ordered collection of spots addressable by id, serializing
// all appends under a single mutex so concurrent appenders observe one
// linear order of (spot_id, block_id).
type Manager struct {
	mu        sync.Mutex
	spots     map[int]*Spot
	workingID int
	capacity  int
	blockSize int
}

// NewManager constructs a Manager with the given fixed spot capacity
// (blocks per spot) and block size (records per block), starting with an
// empty working spot with id 0.
func NewManager(capacity, blockSize int) (*Manager, error) {
	if capacity <= 0 || blockSize <= 0 {
		return nil, errs.ErrInvalidCapacity
	}
	m := &Manager{
		spots:     map[int]*Spot{0: newSpot(0, capacity)},
		capacity:  capacity,
		blockSize: blockSize,
	}
	return m, nil
}

// WorkingID returns the id of the spot currently receiving appends.
func (m *Manager) WorkingID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workingID
}

// Spot returns the spot with the given id, if present.
func (m *Manager) Spot(id int) (*Spot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spots[id]
	return s, ok
}

// Spots returns a snapshot slice of all spots, unordered.
func (m *Manager) Spots() []*Spot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Spot, 0, len(m.spots))
	for _, s := range m.spots {
		out = append(out, s)
	}
	return out
}

// Append writes rec into the working spot. An append that fills the
// working spot immediately rotates in a fresh spot (id = working+1) so the
// working spot is never left full; a rejected append rotates first and
// retries.
func (m *Manager) Append(rec block.Record) (spotID, blockID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.spots[m.workingID]
	blockID, ok := working.append(rec, m.blockSize)
	if !ok {
		working = m.rotateLocked()
		blockID, ok = working.append(rec, m.blockSize)
		if !ok {
			// Capacity is fixed and positive, so a fresh spot always accepts
			// at least one write; this would indicate an invariant violation.
			panic("spot: freshly rotated spot rejected append")
		}
	}
	spotID = working.ID()
	if working.IsFull() {
		m.rotateLocked()
	}
	return spotID, blockID
}

func (m *Manager) rotateLocked() *Spot {
	newID := m.workingID + 1
	s := newSpot(newID, m.capacity)
	m.spots[newID] = s
	m.workingID = newID
	return s
}

// EraseSpot clears every block in the named spot and its full flag. Any
// still-valid data in the spot is dropped; callers must migrate valuable
// records elsewhere before calling this, per the cache layer's contract.
func (m *Manager) EraseSpot(spotID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.spots[spotID]; ok {
		s.erase()
	}
}
