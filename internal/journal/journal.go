// Package journal is a segmented, append-only commit log on local disk.
// Records are opaque byte slices addressed by a monotonically increasing offset.
package journal

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrOffsetOutOfRange is returned when reading an offset the journal doesn't hold
type ErrOffsetOutOfRange struct {
	Offset uint64
}

func (e ErrOffsetOutOfRange) Error() string {
	return fmt.Sprintf("offset out of range: %d", e.Offset)
}

type Journal struct {
	mu sync.RWMutex

	Dir    string
	Config Config

	// segment appended to
	activeSegment *segment
	// ordered oldest to newest
	segments []*segment
}

func Open(dir string, c Config) (*Journal, error) {
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = 1024
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = 1024
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	j := &Journal{
		Dir:    dir,
		Config: c,
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool)
	var baseOffsets []uint64
	for _, file := range files {
		ext := path.Ext(file.Name())
		if ext != ".store" && ext != ".index" {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), ext), 10, 0)
		if err != nil || seen[off] {
			continue
		}
		seen[off] = true
		baseOffsets = append(baseOffsets, off)
	}
	sort.Slice(baseOffsets, func(i, j int) bool {
		return baseOffsets[i] < baseOffsets[j]
	})
	for _, off := range baseOffsets {
		if err = j.newSegment(off); err != nil {
			return nil, err
		}
	}
	if j.segments == nil {
		if err = j.newSegment(c.Segment.InitialOffset); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Append writes the record and returns its offset
func (j *Journal) Append(record []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.activeSegment.IsMaxed() {
		if err := j.newSegment(j.activeSegment.nextOffset); err != nil {
			return 0, err
		}
	}
	return j.activeSegment.Append(record)
}

// Read returns the record at offset
func (j *Journal) Read(offset uint64) ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var s *segment
	for _, segment := range j.segments {
		if segment.baseOffset <= offset && offset < segment.nextOffset {
			s = segment
			break
		}
	}

	if s == nil {
		return nil, ErrOffsetOutOfRange{Offset: offset}
	}
	return s.Read(offset)
}

// Replay calls fn with every record from the lowest offset on, in order
func (j *Journal) Replay(fn func(offset uint64, record []byte) error) error {
	lowest, err := j.LowestOffset()
	if err != nil {
		return err
	}
	highest, err := j.HighestOffset()
	if err != nil {
		return err
	}
	if j.empty() {
		return nil
	}
	for off := lowest; off <= highest; off++ {
		record, err := j.Read(off)
		if err != nil {
			return fmt.Errorf("replaying offset %d: %w", off, err)
		}
		if err = fn(off, record); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) empty() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, s := range j.segments {
		if s.nextOffset > s.baseOffset {
			return false
		}
	}
	return true
}

func (j *Journal) LowestOffset() (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.segments[0].baseOffset, nil
}

func (j *Journal) HighestOffset() (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	off := j.segments[len(j.segments)-1].nextOffset
	if off == 0 {
		return 0, nil
	}
	return off - 1, nil
}

// Truncate removes every segment whose records are all at or below lowest
func (j *Journal) Truncate(lowest uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var segments []*segment
	for _, s := range j.segments {
		if s.nextOffset <= lowest+1 && s != j.activeSegment {
			if err := s.Remove(); err != nil {
				return err
			}
			continue
		}
		segments = append(segments, s)
	}
	j.segments = segments
	return nil
}

// Sync flushes the active segment to stable storage
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.activeSegment.Sync()
}

func (j *Journal) newSegment(off uint64) error {
	s, err := newSegment(j.Dir, off, j.Config)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, s)
	j.activeSegment = s
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, segment := range j.segments {
		if err := segment.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Remove() error {
	if err := j.Close(); err != nil {
		return err
	}
	return os.RemoveAll(j.Dir)
}
