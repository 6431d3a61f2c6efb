// Package buffer implements the process-wide in-memory buffer store:
// typed containers for captured frames or timestamped
// bytes, safe for concurrent producers and readers.
package buffer

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/canflow/iocore/frame"
)

// Type distinguishes the two buffer variants.
type Type int

const (
	// TypeFrames holds frame.Frame records.
	TypeFrames Type = iota
	// TypeBytes holds frame.TimestampedByte records.
	TypeBytes
)

func (t Type) String() string {
	if t == TypeBytes {
		return "bytes"
	}
	return "frames"
}

// Metadata describes a buffer's identity and, once finalized, its time
// range.
type Metadata struct {
	ID           string
	Name         string
	BufferType   Type
	Count        int
	Finalized    bool
	StartTimeUs  int64
	EndTimeUs    int64
}

// buffer is the store's internal representation of one buffer.
type buffer struct {
	meta   Metadata
	frames []frame.Frame
	bytes  []frame.TimestampedByte
}

// Store holds every buffer created during the process lifetime. The zero
// value is not usable; construct with New. Store is safe for concurrent use
// from any goroutine.
type Store struct {
	mu              sync.RWMutex
	buffers         map[string]*buffer
	activeByType    map[Type]string
	order           []string // insertion order, for GetMetadata
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		buffers:      make(map[string]*buffer),
		activeByType: make(map[Type]string),
	}
}

func newID() string {
	return uuid.NewString()
}

// CreateBuffer creates a new active buffer of the given type, implicitly
// finalizing any predecessor of the same type. Returns the new buffer's id.
func (s *Store) CreateBuffer(t Type, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevID, ok := s.activeByType[t]; ok {
		s.finalizeLocked(prevID)
	}

	id := newID()
	s.buffers[id] = &buffer{meta: Metadata{ID: id, Name: name, BufferType: t}}
	s.order = append(s.order, id)
	s.activeByType[t] = id
	return id
}

// CreateBufferInactive creates a new buffer of the given type without making
// it the active append target for its type.
func (s *Store) CreateBufferInactive(t Type, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	s.buffers[id] = &buffer{meta: Metadata{ID: id, Name: name, BufferType: t}}
	s.order = append(s.order, id)
	return id
}

// AppendFramesToBuffer appends frames to the buffer with the given id.
func (s *Store) AppendFramesToBuffer(id string, frames []frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.getLocked(id)
	if err != nil {
		return err
	}
	b.frames = append(b.frames, frames...)
	b.meta.Count = len(b.frames)
	return nil
}

// AppendRawBytesToBuffer appends timestamped bytes to the buffer with the
// given id.
func (s *Store) AppendRawBytesToBuffer(id string, bytes []frame.TimestampedByte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.getLocked(id)
	if err != nil {
		return err
	}
	b.bytes = append(b.bytes, bytes...)
	b.meta.Count = len(b.bytes)
	return nil
}

// AppendFrames appends to the active frames buffer, if one exists. It is a
// no-op (returns false) when no frames buffer is currently active.
func (s *Store) AppendFrames(frames []frame.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByType[TypeFrames]
	if !ok {
		return false
	}
	b := s.buffers[id]
	b.frames = append(b.frames, frames...)
	b.meta.Count = len(b.frames)
	return true
}

// GetFrames returns a copy of the frames buffer's contents.
func (s *Store) GetFrames(id string) ([]frame.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]frame.Frame, len(b.frames))
	copy(out, b.frames)
	return out, nil
}

// GetBufferBytes returns a copy of the bytes buffer's contents.
func (s *Store) GetBufferBytes(id string) ([]frame.TimestampedByte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]frame.TimestampedByte, len(b.bytes))
	copy(out, b.bytes)
	return out, nil
}

// GetBufferType reports the type of the buffer with the given id.
func (s *Store) GetBufferType(id string) (Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.getLocked(id)
	if err != nil {
		return 0, err
	}
	return b.meta.BufferType, nil
}

// ClearAndRefillBuffer atomically replaces a frames buffer's contents, used
// by live framing code that periodically recomputes its working set.
func (s *Store) ClearAndRefillBuffer(id string, frames []frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.getLocked(id)
	if err != nil {
		return err
	}
	b.frames = append([]frame.Frame(nil), frames...)
	b.meta.Count = len(b.frames)
	return nil
}

// FinalizeBuffer seals the active buffer of the given type to further
// writes and computes its metadata. Returns the finalized Metadata.
func (s *Store) FinalizeBuffer(t Type) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByType[t]
	if !ok {
		return Metadata{}, errNoActiveBuffer(t)
	}
	s.finalizeLocked(id)
	return s.buffers[id].meta, nil
}

func (s *Store) finalizeLocked(id string) {
	b, ok := s.buffers[id]
	if !ok {
		return
	}
	b.meta.Finalized = true
	switch b.meta.BufferType {
	case TypeFrames:
		b.meta.Count = len(b.frames)
		if len(b.frames) > 0 {
			b.meta.StartTimeUs = b.frames[0].TimestampUs
			b.meta.EndTimeUs = b.frames[len(b.frames)-1].TimestampUs
			for _, f := range b.frames {
				if f.TimestampUs < b.meta.StartTimeUs {
					b.meta.StartTimeUs = f.TimestampUs
				}
				if f.TimestampUs > b.meta.EndTimeUs {
					b.meta.EndTimeUs = f.TimestampUs
				}
			}
		}
	case TypeBytes:
		b.meta.Count = len(b.bytes)
		if len(b.bytes) > 0 {
			b.meta.StartTimeUs = b.bytes[0].TimestampUs
			b.meta.EndTimeUs = b.bytes[len(b.bytes)-1].TimestampUs
		}
	}
	if s.activeByType[b.meta.BufferType] == id {
		delete(s.activeByType, b.meta.BufferType)
	}
}

// HasData reports whether the buffer holds any records.
func (s *Store) HasData(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.getLocked(id)
	if err != nil {
		return false, err
	}
	return b.meta.Count > 0, nil
}

// GetMetadata returns metadata for every buffer, oldest first.
func (s *Store) GetMetadata() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.order))
	for _, id := range s.order {
		if b, ok := s.buffers[id]; ok {
			out = append(out, b.meta)
		}
	}
	return out
}

// GetBufferMetadata returns metadata for a single buffer.
func (s *Store) GetBufferMetadata(id string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.getLocked(id)
	if err != nil {
		return Metadata{}, err
	}
	return b.meta, nil
}

// Evict removes a finalized buffer's data, freeing its memory. Evicting an
// active (not-yet-finalized) buffer is rejected; finalize it first.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if !b.meta.Finalized {
		return errActiveEvict(id)
	}
	delete(s.buffers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) getLocked(id string) (*buffer, error) {
	b, ok := s.buffers[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return b, nil
}

// SortFramesByTimestamp sorts frames in place by TimestampUs, used by the
// merger before appending a batch.
func SortFramesByTimestamp(frames []frame.Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].TimestampUs < frames[j].TimestampUs
	})
}
