package journal

import (
	"fmt"
	"os"
	"path"
)

// segment pairs a store file with its index
type segment struct {
	store *store
	index *index

	baseOffset uint64
	nextOffset uint64

	config Config
}

func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		config:     c,
	}
	storeFile, err := os.OpenFile(
		// {baseOffset}.store, e.g. 10.store
		path.Join(dir, fmt.Sprintf("%d%s", baseOffset, ".store")),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, err
	}
	if s.store, err = newStore(storeFile); err != nil {
		return nil, err
	}
	indexFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%d%s", baseOffset, ".index")),
		os.O_RDWR|os.O_CREATE,
		0644,
	)
	if err != nil {
		return nil, err
	}
	if s.index, err = newIndex(indexFile, c); err != nil {
		return nil, err
	}
	if off, _, err := s.index.Read(-1); err != nil {
		s.nextOffset = baseOffset
	} else {
		s.nextOffset = baseOffset + uint64(off) + 1
	}
	return s, nil
}

// Append writes the record and returns its offset
func (s *segment) Append(record []byte) (offset uint64, err error) {
	_, pos, err := s.store.Append(record)
	if err != nil {
		return 0, err
	}
	err = s.index.Write(
		uint32(s.nextOffset-s.baseOffset),
		pos,
	)
	if err != nil {
		return 0, err
	}

	cur := s.nextOffset
	s.nextOffset++
	if s.config.SyncWrites {
		if err = s.Sync(); err != nil {
			return 0, err
		}
	}
	return cur, nil
}

func (s *segment) Read(offset uint64) ([]byte, error) {
	_, pos, err := s.index.Read(int64(offset - s.baseOffset))
	if err != nil {
		return nil, err
	}
	return s.store.ReadAt(pos)
}

// IsMaxed reports whether the segment has reached its max size
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.config.Segment.MaxStoreBytes ||
		s.index.size+entryWidth > s.config.Segment.MaxIndexBytes
}

func (s *segment) Sync() error {
	if err := s.store.Sync(); err != nil {
		return err
	}
	return s.index.Sync()
}

func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	if err := s.store.Close(); err != nil {
		return err
	}
	return nil
}

// Remove closes the segment and deletes its files
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	if err := os.Remove(s.store.Name()); err != nil {
		return err
	}
	return nil
}
