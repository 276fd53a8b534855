package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPDURoundTripConfirmedRequest(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	encoded := EncodeConfirmedRequest(42, ServiceReadProperty, payload, 0, 5)
	apdu, err := DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeConfirmedRequest, apdu.Type)
	assert.Equal(t, uint8(42), apdu.InvokeID)
	assert.Equal(t, byte(ServiceReadProperty), apdu.Service)
	assert.Equal(t, payload, apdu.Data)
	assert.False(t, apdu.Segmented)
}

func TestAPDURoundTripSegmentedConfirmedRequest(t *testing.T) {
	payload := []byte{0xAA, 0xBB}
	encoded := EncodeSegmentedConfirmedRequest(7, ServiceReadPropertyMultiple, 3, 4, true, payload, 2, 5)
	apdu, err := DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.True(t, apdu.Segmented)
	assert.True(t, apdu.MoreFollows)
	assert.Equal(t, uint8(3), apdu.SequenceNum)
	assert.Equal(t, uint8(4), apdu.WindowSize)
	assert.Equal(t, payload, apdu.Data)
}

func TestAPDURoundTripSegmentAck(t *testing.T) {
	encoded := EncodeSegmentAck(9, 2, 4, false, true)
	apdu, err := DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeSegmentAck, apdu.Type)
	assert.Equal(t, uint8(9), apdu.InvokeID)
	assert.Equal(t, uint8(2), apdu.SequenceNum)
	assert.Equal(t, uint8(4), apdu.WindowSize)
	assert.True(t, apdu.Server)
	assert.False(t, apdu.SegmentedAck)
}

func TestAPDURoundTripNegativeSegmentAck(t *testing.T) {
	encoded := EncodeSegmentAck(9, 2, 4, true, false)
	apdu, err := DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.True(t, apdu.SegmentedAck)
	assert.False(t, apdu.Server)
}

func TestAPDURoundTripSimpleAck(t *testing.T) {
	encoded := EncodeSimpleAck(11, ServiceWriteProperty)
	apdu, err := DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeSimpleAck, apdu.Type)
	assert.Equal(t, uint8(11), apdu.InvokeID)
	assert.Equal(t, byte(ServiceWriteProperty), apdu.Service)
}

func TestAPDURoundTripAbortAndReject(t *testing.T) {
	abort := EncodeAbortAPDU(5, AbortReasonTsmTimeout, true)
	apdu, err := DecodeAPDU(abort)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeAbort, apdu.Type)
	assert.True(t, apdu.Server)

	reject := EncodeRejectAPDU(5, RejectReasonUnrecognizedService)
	apdu, err = DecodeAPDU(reject)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeReject, apdu.Type)
	assert.Equal(t, byte(RejectReasonUnrecognizedService), apdu.Service)
}

func TestDecodeAPDUTruncated(t *testing.T) {
	_, err := DecodeAPDU(nil)
	assert.Error(t, err)
	_, err = DecodeAPDU([]byte{byte(PDUTypeConfirmedRequest)})
	assert.Error(t, err)
}

func TestDecodeAPDUUnknownType(t *testing.T) {
	_, err := DecodeAPDU([]byte{0x90})
	assert.Error(t, err)
}
