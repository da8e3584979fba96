package buffer

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendRetrieve(t *testing.T) {
	b := New()
	defer b.Release()

	require.Equal(t, 0, b.Readable())
	require.GreaterOrEqual(t, b.Writable(), DefaultSize)

	b.AppendString("hello ")
	b.Append([]byte("world"))
	require.Equal(t, 11, b.Readable())
	assert.Equal(t, "hello world", string(b.Peek()))

	b.Retrieve(6)
	assert.Equal(t, "world", string(b.Peek()))
	assert.Equal(t, 5, b.Readable())

	assert.Equal(t, "world", b.RetrieveAllString())
	assert.Equal(t, 0, b.Readable())
	assert.Nil(t, b.Peek())
}

func TestBuffer_RetrieveOutOfRange(t *testing.T) {
	b := FromBytes([]byte("abc"))
	defer b.Release()
	assert.PanicsWithValue(t, ErrRetrieveOutOfRange, func() { b.Retrieve(4) })
	assert.PanicsWithValue(t, ErrRetrieveOutOfRange, func() { b.Retrieve(-1) })
}

func TestBuffer_ReclaimsConsumedSpace(t *testing.T) {
	b := NewSize(16)
	defer b.Release()

	capacity := b.Readable() + b.Writable()
	fill := make([]byte, capacity)
	for i := range fill {
		fill[i] = byte(i)
	}
	b.Append(fill)
	require.Equal(t, 0, b.Writable())

	b.Retrieve(capacity - 2)
	b.Append([]byte{0xaa, 0xbb})
	// compacted in place, not grown
	assert.Equal(t, capacity, b.Readable()+b.Writable())
	assert.Equal(t, []byte{byte(capacity - 2), byte(capacity - 1), 0xaa, 0xbb}, b.Peek())
}

func TestBuffer_Grows(t *testing.T) {
	b := NewSize(8)
	defer b.Release()

	large := make([]byte, 10*DefaultSize)
	for i := range large {
		large[i] = byte(i % 251)
	}
	b.AppendString("x")
	b.Retrieve(1)
	b.Append(large)
	require.Equal(t, len(large), b.Readable())
	assert.Equal(t, large, b.Peek())
}

func TestBuffer_ReadFunc(t *testing.T) {
	b := New()
	defer b.Release()
	b.AppendString("ab")

	var offered int
	n, err := b.ReadFunc(func(p []byte) (int, error) {
		offered = len(p)
		return copy(p, "cdef"), nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, offered)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcde", string(b.Peek()))

	n, err = b.ReadFunc(func(p []byte) (int, error) {
		return 0, io.EOF
	}, 0)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, "abcde", string(b.Peek()))
}

func TestBuffer_ReleaseThenReuse(t *testing.T) {
	b := FromBytes([]byte("data"))
	b.Release()
	assert.Equal(t, 0, b.Readable())
	assert.Equal(t, 0, b.Writable())
	b.Release()

	b.AppendString("again")
	assert.Equal(t, "again", string(b.Peek()))
	b.Release()
}

func TestBuffer_Write(t *testing.T) {
	b := New()
	defer b.Release()
	var w io.Writer = b
	n, err := w.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "xyz", string(b.Peek()))
}
