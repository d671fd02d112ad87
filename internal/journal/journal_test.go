package journal_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"bankledger/internal/journal"
)

func TestJournal(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, j *journal.Journal){
		"append and read a record succeeds": testAppendRead,
		"offset out of range error":         testOutOfRangeErr,
		"init with existing segments":       testInitExisting,
		"reads span segments":               testReadAcrossSegments,
		"replay in order":                   testReplay,
		"lowest offset":                     testLowestOffset,
		"highest offset":                    testHighestOffset,
		"truncate":                          testTruncate,
	} {
		t.Run(scenario, func(t *testing.T) {
			c := journal.Config{}
			c.Segment.MaxStoreBytes = 32
			j, err := journal.Open(t.TempDir(), c)
			require.NoError(t, err)
			t.Cleanup(func() { _ = j.Close() })

			fn(t, j)
		})
	}
}

var record = []byte("hello world")

func testAppendRead(t *testing.T, j *journal.Journal) {
	off, err := j.Append(record)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	read, err := j.Read(off)
	require.NoError(t, err)
	require.Equal(t, record, read)
}

func testOutOfRangeErr(t *testing.T, j *journal.Journal) {
	read, err := j.Read(2)
	require.Nil(t, read)
	require.Equal(t, journal.ErrOffsetOutOfRange{Offset: 2}, err)
}

func testInitExisting(t *testing.T, o *journal.Journal) {
	for i := 0; i < 3; i++ {
		_, err := o.Append(record)
		require.NoError(t, err)
	}
	require.NoError(t, o.Close())

	n, err := journal.Open(o.Dir, o.Config)
	require.NoError(t, err)
	off, err := n.Append(record)
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)

	read, err := n.Read(1)
	require.NoError(t, err)
	require.Equal(t, record, read)
	require.NoError(t, n.Close())
}

func testReadAcrossSegments(t *testing.T, j *journal.Journal) {
	for i := 0; i < 5; i++ {
		_, err := j.Append([]byte(fmt.Sprintf("record-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		read, err := j.Read(uint64(i))
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("record-%d", i), string(read))
	}
}

func testReplay(t *testing.T, j *journal.Journal) {
	var got []string
	require.NoError(t, j.Replay(func(_ uint64, r []byte) error {
		got = append(got, string(r))
		return nil
	}))
	require.Empty(t, got)

	for i := 0; i < 4; i++ {
		_, err := j.Append([]byte(fmt.Sprintf("record-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, j.Replay(func(off uint64, r []byte) error {
		require.Equal(t, fmt.Sprintf("record-%d", off), string(r))
		got = append(got, string(r))
		return nil
	}))
	require.Len(t, got, 4)
}

func testLowestOffset(t *testing.T, j *journal.Journal) {
	_, err := j.Append(record)
	require.NoError(t, err)

	off, err := j.LowestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
}

func testHighestOffset(t *testing.T, j *journal.Journal) {
	for i := 0; i < 3; i++ {
		_, err := j.Append(record)
		require.NoError(t, err)
	}

	off, err := j.HighestOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(2), off)
}

func testTruncate(t *testing.T, j *journal.Journal) {
	for i := 0; i < 3; i++ {
		_, err := j.Append(record)
		require.NoError(t, err)
	}

	err := j.Truncate(1)
	require.NoError(t, err)

	_, err = j.Read(0)
	require.IsType(t, journal.ErrOffsetOutOfRange{}, err)

	read, err := j.Read(2)
	require.NoError(t, err)
	require.Equal(t, record, read)
}
