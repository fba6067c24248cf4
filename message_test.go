package websocket

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageReadsChunksInOrder(t *testing.T) {
	m := newMessage(false)
	go func() {
		m.push([]byte("Hel"), nil)
		m.push([]byte("lo"), nil)
		m.finish()
	}()

	data, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), data)
	assert.False(t, m.IsBinary())

	// Reads past the final chunk keep returning EOF.
	n, err := m.Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMessageSmallReads(t *testing.T) {
	m := newMessage(true)
	go func() {
		m.push([]byte("ABCDEF"), nil)
		m.finish()
	}()

	buf := make([]byte, 2)
	var got []byte
	for {
		n, err := m.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []byte("ABCDEF"), got)
	assert.True(t, m.IsBinary())
}

func TestMessageEmptyBody(t *testing.T) {
	m := newMessage(false)
	go m.finish()

	data, err := m.Bytes()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMessageAbort(t *testing.T) {
	m := newMessage(false)
	want := &ClosedError{Code: CloseAbnormalClosure, Reason: "Reading from the client failed"}
	go func() {
		m.push([]byte("partial"), nil)
		m.abort(want)
	}()

	buf := make([]byte, 7)
	_, err := io.ReadFull(m, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), buf)

	_, err = m.Read(buf)
	var ce *ClosedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseAbnormalClosure, ce.Code)

	// The failure is sticky.
	_, err = m.Read(buf)
	assert.ErrorAs(t, err, &ce)
}

func TestMessagePushCancelled(t *testing.T) {
	m := newMessage(false)
	cancel := make(chan struct{})
	close(cancel)
	assert.False(t, m.push([]byte("x"), cancel))
}
