package journal

import (
	"io"
	"os"

	"github.com/tysontate/gommap"
)

var (
	offWidth   uint64 = 4 // record offset relative to the segment's base offset
	posWidth   uint64 = 8 // record position in the store file
	entryWidth        = offWidth + posWidth
)

// memory-mapped table of (offset, position) entries
type index struct {
	file *os.File
	mmap gommap.MMap
	// where the next entry is written
	size uint64
}

func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{
		file: f,
	}

	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())

	// a mapped file can't grow, so it is sized up front and truncated back on close
	err = os.Truncate(f.Name(), int64(c.Segment.MaxIndexBytes))
	if err != nil {
		return nil, err
	}

	idx.mmap, err = gommap.Map(
		idx.file.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED,
	)
	if err != nil {
		return nil, err
	}

	return idx, nil
}

func (i *index) Sync() error {
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return i.file.Sync()
}

func (i *index) Close() error {
	if err := i.Sync(); err != nil {
		return err
	}

	err := i.file.Truncate(int64(i.size))
	if err != nil {
		return err
	}

	return i.file.Close()
}

// Read returns the entry at the relative offset in, or the last entry when in is -1
func (i *index) Read(in int64) (out uint32, pos uint64, err error) {
	if i.size == 0 {
		return 0, 0, io.EOF
	}

	var indexOffset uint32
	if in == -1 {
		indexOffset = uint32((i.size / entryWidth) - 1)
	} else {
		indexOffset = uint32(in)
	}

	indexPos := uint64(indexOffset) * entryWidth
	if i.size < indexPos+entryWidth {
		return 0, 0, io.EOF
	}

	out = enc.Uint32(i.mmap[indexPos : indexPos+offWidth])
	pos = enc.Uint64(i.mmap[indexPos+offWidth : indexPos+entryWidth])

	return out, pos, nil
}

// Write appends an entry. io.EOF means the index is full.
func (i *index) Write(off uint32, pos uint64) error {
	if uint64(len(i.mmap)) < i.size+entryWidth {
		return io.EOF
	}

	enc.PutUint32(i.mmap[i.size:i.size+offWidth], off)
	enc.PutUint64(i.mmap[i.size+offWidth:i.size+entryWidth], pos)

	i.size += entryWidth

	return nil
}

func (i *index) Name() string {
	return i.file.Name()
}
