package tiledb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAIOReadCompletes(t *testing.T) {
	fs := NewMemFS()
	writeDiagonal(t, fs, "ws/A")

	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)

	done := make(chan *AIORequest, 1)
	req := &AIORequest{
		Buffers:  [][]byte{make([]byte, 1024), make([]byte, 1024)},
		Callback: func(r *AIORequest) { done <- r },
	}
	require.NoError(t, r.AIORead(req))

	select {
	case got := <-done:
		assert.Equal(t, AIOCompleted, got.Status())
		assert.NoError(t, got.Err())
		assert.Equal(t, 16*4, got.Sizes[0])
	case <-time.After(5 * time.Second):
		t.Fatal("async read did not complete")
	}
	require.NoError(t, r.Finalize())
}

func TestAIOReadOverflowStatus(t *testing.T) {
	fs := NewMemFS()
	writeDiagonal(t, fs, "ws/A")

	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)

	done := make(chan *AIORequest, 1)
	req := &AIORequest{
		Buffers:  [][]byte{make([]byte, 8), make([]byte, 1024)},
		Callback: func(r *AIORequest) { done <- r },
	}
	require.NoError(t, r.AIORead(req))

	got := <-done
	assert.Equal(t, AIOOverflow, got.Status())
	assert.True(t, got.Overflow[0])
	require.NoError(t, r.Finalize())
}

func TestAIOWriteCompletes(t *testing.T) {
	fs := NewMemFS()
	require.NoError(t, CreateArray(fs, "ws/A", sparseSchema()))

	w, err := OpenArray(fs, nil, "ws/A", ArrayWrite, nil, nil)
	require.NoError(t, err)

	done := make(chan *AIORequest, 1)
	req := &AIORequest{
		Buffers:  [][]byte{Int32Bytes([]int32{1, 2}), Int64Bytes([]int64{0, 0, 1, 1})},
		Callback: func(r *AIORequest) { done <- r },
	}
	require.NoError(t, w.AIOWrite(req))
	got := <-done
	require.Equal(t, AIOCompleted, got.Status())
	require.NoError(t, w.Finalize())

	values, _ := readAll(t, fs, "ws/A")
	assert.Equal(t, []int32{1, 2}, values)
}

func TestAIOQueueStops(t *testing.T) {
	q := newAIOQueue()
	ran := make(chan struct{})
	q.push(func() { close(ran) })
	<-ran
	q.stop()
	// A second stop is harmless.
	q.stop()
}

func TestAIOModeErrors(t *testing.T) {
	fs := NewMemFS()
	writeDiagonal(t, fs, "ws/A")

	r, err := OpenArray(fs, nil, "ws/A", ArrayRead, nil, nil)
	require.NoError(t, err)
	assert.Error(t, r.AIOWrite(&AIORequest{}))

	w, err := OpenArray(fs, nil, "ws/A", ArrayWrite, nil, nil)
	require.NoError(t, err)
	assert.Error(t, w.AIORead(&AIORequest{}))
	w.writeFragment.Abort()
}
