package framer

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerSplitsLines(t *testing.T) {
	f := New()
	_, err := f.Write([]byte("one\ntwo\nthr"))
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, f.Lines())
	assert.Equal(t, []byte("thr"), f.Remaining())

	_, err = f.Write([]byte("ee\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, f.Lines())
	assert.Zero(t, f.Buffered())
}

func TestFramerSkipsEmptyLines(t *testing.T) {
	f := New()
	_, _ = f.Write([]byte("\n\nfirst\n\r\n\nsecond\r\n"))

	assert.Equal(t, []string{"first", "second"}, f.Lines())
}

func TestFramerChunkBoundaryInvariance(t *testing.T) {
	input := []byte("{\"id\":1}\n\nalpha\r\nbeta\n\ngamma delta\nlast-without-terminator")

	whole := New()
	_, _ = whole.Write(input)
	expected := whole.Lines()
	expectedRest := whole.Remaining()

	for i := 0; i <= len(input); i++ {
		for j := i; j <= len(input); j++ {
			f := New()
			var got []string
			for _, chunk := range [][]byte{input[:i], input[i:j], input[j:]} {
				_, err := f.Write(chunk)
				require.NoError(t, err)
				got = append(got, f.Lines()...)
			}
			assert.Equal(t, expected, got, "split at %d/%d", i, j)
			assert.Equal(t, expectedRest, f.Remaining(), "split at %d/%d", i, j)
		}
	}
}

func TestFramerSingleByteChunks(t *testing.T) {
	input := "a\r\nbb\n\nccc\n"
	f := New()
	var got []string
	for i := 0; i < len(input); i++ {
		_, _ = f.Write([]byte{input[i]})
		got = append(got, f.Lines()...)
	}
	assert.Equal(t, []string{"a", "bb", "ccc"}, got)
}

func TestFramerMaxLine(t *testing.T) {
	f := &Framer{MaxLine: 4}
	_, err := f.Write([]byte("ok\nabcdefgh"))
	require.NoError(t, err, "a buffered complete line defers the check")
	assert.Equal(t, []string{"ok"}, f.Lines())

	_, err = f.Write([]byte("i"))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestFramerRemainingIsACopy(t *testing.T) {
	f := New()
	_, _ = f.Write([]byte("id\nPING"))
	line, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, "id", line)

	rest := f.Remaining()
	rest[0] = 'X'
	assert.Equal(t, []byte("PING"), f.Remaining())
}

func TestReaderReadsLinesLazily(t *testing.T) {
	src := iotest.OneByteReader(strings.NewReader("first\n\nsecond\npartial"))
	r := NewReader(src, 0)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte("partial"), r.Remaining())
}

func TestReaderLineTooLong(t *testing.T) {
	r := NewReader(bytes.NewReader(bytes.Repeat([]byte("x"), 64)), 16)

	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}
