package bacnet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentSplitterRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 37)
	splitter := newSegmentSplitter(data, 10, 4)

	assert.Equal(t, 4, splitter.TotalSegments())

	reassembled := make([]byte, 0, len(data))
	for i := 0; i < splitter.TotalSegments(); i++ {
		seg, more := splitter.Segment(i)
		reassembled = append(reassembled, seg...)
		if i < splitter.TotalSegments()-1 {
			assert.True(t, more)
		} else {
			assert.False(t, more)
		}
	}
	assert.Equal(t, data, reassembled)
}

func TestReassemblyBufferInOrder(t *testing.T) {
	buf := newReassemblyBuffer(4)

	_, _, done, err := buf.Accept(0, []byte("AAAA"), true)
	require.NoError(t, err)
	assert.False(t, done)

	_, _, done, err = buf.Accept(1, []byte("BBBB"), false)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, buf.Complete())
	assert.Equal(t, []byte("AAAABBBB"), buf.Assemble())
}

func TestReassemblyBufferOutOfOrder(t *testing.T) {
	buf := newReassemblyBuffer(4)

	_, _, done, err := buf.Accept(1, []byte("BBBB"), false)
	require.NoError(t, err)
	assert.False(t, done, "cannot complete until segment 0 fills the gap")

	_, _, done, err = buf.Accept(0, []byte("AAAA"), true)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("AAAABBBB"), buf.Assemble())
}

func TestReassemblyBufferDuplicateSegmentIgnored(t *testing.T) {
	buf := newReassemblyBuffer(4)
	buf.Accept(0, []byte("AAAA"), true)
	_, _, _, err := buf.Accept(0, []byte("AAAA"), true)
	require.NoError(t, err)
	assert.Equal(t, 4, buf.total)
}

func TestReassemblyBufferOverflow(t *testing.T) {
	buf := newReassemblyBuffer(4)
	oversize := bytes.Repeat([]byte{0x01}, MaxReassembledAPDU+1)
	_, _, _, err := buf.Accept(0, oversize, true)
	assert.ErrorIs(t, err, ErrReassemblyOverflow)
}

func TestReassemblyBufferRejectsSegmentOutsideWindow(t *testing.T) {
	buf := newReassemblyBuffer(2)

	_, _, _, err := buf.Accept(5, []byte("ZZZZ"), true)
	assert.ErrorIs(t, err, ErrOutOfWindow)
}

func TestReassemblyBufferWindowAdvancesWithInOrderSegments(t *testing.T) {
	buf := newReassemblyBuffer(2)

	_, _, done, err := buf.Accept(0, []byte("AAAA"), true)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, uint8(1), buf.windowBase)

	// Segment 2 is now within the advanced window (base 1, size 2).
	_, _, _, err = buf.Accept(2, []byte("CCCC"), true)
	require.NoError(t, err)

	// Segment 9 remains out of window.
	_, _, _, err = buf.Accept(9, []byte("DDDD"), true)
	assert.ErrorIs(t, err, ErrOutOfWindow)
}

func TestReassemblyBufferDuplicateBelowWindowStillAcknowledged(t *testing.T) {
	buf := newReassemblyBuffer(2)

	_, _, _, err := buf.Accept(0, []byte("AAAA"), true)
	require.NoError(t, err)

	// Segment 0 has already been consumed and the window has advanced past
	// it, but a retransmitted duplicate is acknowledged, not rejected.
	_, _, _, err = buf.Accept(0, []byte("AAAA"), true)
	assert.NoError(t, err)
}

func TestNegotiateWindow(t *testing.T) {
	assert.Equal(t, uint8(4), NegotiateWindow(4, 0))
	assert.Equal(t, uint8(2), NegotiateWindow(4, 2))
	assert.Equal(t, uint8(4), NegotiateWindow(4, 8))
	assert.Equal(t, uint8(4), NegotiateWindow(4, 4))
}
