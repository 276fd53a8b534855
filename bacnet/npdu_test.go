package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPDURoundTripSimple(t *testing.T) {
	encoded := EncodeNPDU(true, NPDUControlPriorityNormal)
	npdu, offset, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), npdu.Version)
	assert.NotZero(t, npdu.Control&NPDUControlExpectingReply)
	assert.Equal(t, 2, offset)
}

func TestNPDURoundTripWithDest(t *testing.T) {
	encoded := EncodeNPDUWithDest(7, []byte{0x01, 0x02}, 255, false, NPDUControlPriorityNormal)
	npdu, offset, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), npdu.DestNet)
	assert.Equal(t, []byte{0x01, 0x02}, npdu.DestAddr)
	assert.Equal(t, uint8(255), npdu.DestHopCount)
	assert.Equal(t, len(encoded), offset)
}

func TestNPDUZeroHopCountRejected(t *testing.T) {
	encoded := EncodeNPDUWithDest(7, []byte{0x01}, 0, false, NPDUControlPriorityNormal)
	_, _, err := DecodeNPDU(encoded)
	assert.ErrorIs(t, err, ErrInvalidNPDU)
}

func TestNPDUSourceValidityRejectsNetworkZero(t *testing.T) {
	_, err := EncodeNPDUWithSrc(0, []byte{0x01}, false, NPDUControlPriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidSourceAddress)
}

func TestNPDUSourceValidityRejectsGlobalBroadcastNetwork(t *testing.T) {
	_, err := EncodeNPDUWithSrc(GlobalBroadcastNetwork, []byte{0x01}, false, NPDUControlPriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidSourceAddress)
}

func TestNPDUSourceValidityRejectsZeroLengthMAC(t *testing.T) {
	_, err := EncodeNPDUWithSrc(5, nil, false, NPDUControlPriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidSourceAddress)
}

func TestNPDUSourceValidityAccepted(t *testing.T) {
	encoded, err := EncodeNPDUWithSrc(5, []byte{0xAA, 0xBB}, false, NPDUControlPriorityNormal)
	require.NoError(t, err)
	npdu, _, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), npdu.SrcNet)
	assert.Equal(t, []byte{0xAA, 0xBB}, npdu.SrcAddr)
}

func TestNPDUTruncated(t *testing.T) {
	_, _, err := DecodeNPDU([]byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidNPDU)
}

func TestNPDUUnsupportedVersion(t *testing.T) {
	_, _, err := DecodeNPDU([]byte{0x02, 0x00})
	assert.ErrorIs(t, err, ErrInvalidNPDU)
}
