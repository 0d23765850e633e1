package framing

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/densha/tradebridge/pkg/errors"
)

func framedStream(t *testing.T, payloads ...[]byte) []byte {
	t.Helper()
	r := CreateReassembler()
	var stream []byte
	for _, p := range payloads {
		stream = r.AppendFrame(stream, p)
	}
	return stream
}

func TestFeedSingleWrite(t *testing.T) {
	payloads := [][]byte{
		[]byte("N,AAPL,1,1,B,15000,100\n"),
		[]byte("C,AAPL,1,1\n"),
		{0xA5, 0x03},
	}
	stream := framedStream(t, payloads...)

	r := CreateReassembler()
	got, err := r.Feed(stream)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, p := range payloads {
		assert.Equal(t, p, got[i])
	}
	assert.Equal(t, 0, r.PendingBytes())
}

func TestFeedOneByteAtATime(t *testing.T) {
	payloads := [][]byte{
		[]byte("first"),
		[]byte("second payload"),
		[]byte("x"),
	}
	stream := framedStream(t, payloads...)

	r := CreateReassembler()
	var got [][]byte
	for i := range stream {
		out, err := r.Feed(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, out...)
	}

	require.Len(t, got, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, p, got[i])
	}
}

func TestFeedEmptyPayloadFrame(t *testing.T) {
	r := CreateReassembler()
	got, err := r.Feed(r.AppendFrame(nil, nil))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0])
}

func TestOversizedFrameDiscardsBuffer(t *testing.T) {
	r := CreateReassembler()
	r.MaxFrameSize = 64

	// One good frame, then a corrupt prefix declaring 1 MiB.
	stream := r.AppendFrame(nil, []byte("ok"))
	var prefix [PrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 1<<20)
	stream = append(stream, prefix[:]...)
	stream = append(stream, []byte("garbage that should vanish")...)

	got, err := r.Feed(stream)
	require.Error(t, err)

	var tooLarge *bridgeerrors.FrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 1<<20, tooLarge.DeclaredSize)

	// The good frame extracted before the corruption is still delivered,
	// and the entire remaining buffer is gone.
	require.Len(t, got, 1)
	assert.Equal(t, []byte("ok"), got[0])
	assert.Equal(t, 0, r.PendingBytes())

	// Stream resynchronizes on the next feed.
	got, err = r.Feed(r.AppendFrame(nil, []byte("after")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("after"), got[0])
}

func TestPerFeedFrameCap(t *testing.T) {
	r := CreateReassembler()
	r.MaxFramesPerFeed = 3

	var stream []byte
	for i := 0; i < 5; i++ {
		stream = r.AppendFrame(stream, []byte{byte(i)})
	}

	got, err := r.Feed(stream)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// The remaining complete frames come out on the next call.
	got, err = r.Feed(nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, r.PendingBytes())
}

func TestLittleEndianPrefix(t *testing.T) {
	r := CreateReassembler()
	r.ByteOrder = binary.LittleEndian

	got, err := r.Feed(r.AppendFrame(nil, []byte("le")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("le"), got[0])
}

func TestReset(t *testing.T) {
	r := CreateReassembler()
	_, err := r.Feed([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 2, r.PendingBytes())

	r.Reset()
	assert.Equal(t, 0, r.PendingBytes())
}
