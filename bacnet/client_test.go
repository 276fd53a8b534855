package bacnet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

func TestValueToInterfaceConversions(t *testing.T) {
	assert.Nil(t, valueToInterface(Value{Kind: KindNull}))
	assert.Equal(t, true, valueToInterface(Value{Kind: KindBoolean, Bool: true}))
	assert.Equal(t, uint32(7), valueToInterface(Value{Kind: KindUnsigned, Uint: 7}))
	assert.Equal(t, uint32(7), valueToInterface(Value{Kind: KindEnumerated, Uint: 7}))
	assert.Equal(t, float32(1.5), valueToInterface(Value{Kind: KindReal, Real32: 1.5}))
	assert.Equal(t, "hi", valueToInterface(Value{Kind: KindCharString, Str: "hi"}))
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 3)
	assert.Equal(t, oid, valueToInterface(Value{Kind: KindObjectID, OID: oid}))
}

func TestDecodePropertyValueApplicationTags(t *testing.T) {
	c := &Client{}

	data := EncodeApplicationValue(nil, Value{Kind: KindReal, Real32: 68.5})
	v, err := c.decodePropertyValue(data)
	require.NoError(t, err)
	assert.Equal(t, float32(68.5), v)

	data = EncodeApplicationValue(nil, Value{Kind: KindCharString, Str: "hello"})
	v, err = c.decodePropertyValue(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	data = EncodeApplicationValue(nil, Value{Kind: KindUnsigned, Uint: 42})
	v, err = c.decodePropertyValue(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func TestDecodeReadPropertyResponseWireFormat(t *testing.T) {
	c := &Client{}
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 1)

	data := EncodeContextObjectIdentifier(0, oid)
	data = append(data, EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, EncodeApplicationValue(nil, Value{Kind: KindReal, Real32: 70.0})...)
	data = append(data, EncodeClosingTag(3)...)

	v, err := c.decodeReadPropertyResponse(data)
	require.NoError(t, err)
	assert.Equal(t, float32(70.0), v)
}

func TestEncodePropertyValueRoundTrip(t *testing.T) {
	c := &Client{}

	encoded, err := c.encodePropertyValue(float32(12.5))
	require.NoError(t, err)
	decoded, err := c.decodePropertyValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, float32(12.5), decoded)

	encoded, err = c.encodePropertyValue("test-string")
	require.NoError(t, err)
	decoded, err = c.decodePropertyValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, "test-string", decoded)

	encoded, err = c.encodePropertyValue(uint32(5))
	require.NoError(t, err)
	decoded, err = c.decodePropertyValue(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), decoded)

	_, err = c.encodePropertyValue(struct{}{})
	assert.Error(t, err)
}

func TestDecodeErrorResponse(t *testing.T) {
	c := &Client{}
	data := EncodeContextUnsigned(0, uint32(ErrorClassProperty))
	data = append(data, EncodeContextUnsigned(1, uint32(ErrorCodeUnknownProperty))...)

	err := c.decodeError(data)
	var bacErr *BACnetError
	require.ErrorAs(t, err, &bacErr)
	assert.Equal(t, ErrorClassProperty, bacErr.Class)
	assert.Equal(t, ErrorCodeUnknownProperty, bacErr.Code)
}

func TestHandleCOVNotificationDispatchesToRegisteredHandler(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)

	deviceOID := NewObjectIdentifier(ObjectTypeDevice, 10001)
	objectOID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)

	var gotDevice uint32
	var gotObject ObjectIdentifier
	var gotValues []PropertyValue
	c.covSubs[77] = func(device uint32, object ObjectIdentifier, values []PropertyValue) {
		gotDevice = device
		gotObject = object
		gotValues = values
	}

	data := EncodeContextUnsigned(0, 77)
	data = append(data, EncodeContextObjectIdentifier(1, deviceOID)...)
	data = append(data, EncodeContextObjectIdentifier(2, objectOID)...)
	data = append(data, EncodeContextUnsigned(3, 60)...)
	data = append(data, EncodeOpeningTag(4)...)
	data = append(data, EncodeContextEnumerated(0, uint32(PropertyPresentValue))...)
	data = append(data, EncodeOpeningTag(2)...)
	data = append(data, EncodeApplicationValue(nil, Value{Kind: KindReal, Real32: 70.0})...)
	data = append(data, EncodeClosingTag(2)...)
	data = append(data, EncodeClosingTag(4)...)

	c.handleCOVNotification(data)

	assert.Equal(t, uint32(10001), gotDevice)
	assert.Equal(t, objectOID, gotObject)
	require.Len(t, gotValues, 1)
	assert.Equal(t, PropertyPresentValue, gotValues[0].PropertyID)
	assert.Equal(t, float32(70.0), gotValues[0].Value)
}

func TestHandleCOVNotificationUnknownSubscriptionIsIgnored(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)

	deviceOID := NewObjectIdentifier(ObjectTypeDevice, 10001)
	objectOID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)

	data := EncodeContextUnsigned(0, 999)
	data = append(data, EncodeContextObjectIdentifier(1, deviceOID)...)
	data = append(data, EncodeContextObjectIdentifier(2, objectOID)...)
	data = append(data, EncodeContextUnsigned(3, 60)...)
	data = append(data, EncodeOpeningTag(4)...)
	data = append(data, EncodeClosingTag(4)...)

	assert.NotPanics(t, func() { c.handleCOVNotification(data) })
}

func TestSafeHandlePacketRecoversFromMalformedIAm(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)

	// A device-object-identifier tag declaring 4 octets of content but
	// carrying only 3: handleIAm's binary.BigEndian.Uint32(data[headerLen:])
	// indexes past the slice and panics without the safeHandlePacket guard.
	malformedIAm := []byte{0xC4, 0x00, 0x00, 0x00}
	apdu := EncodeUnconfirmedRequest(ServiceIAm, malformedIAm)
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))
	packet := append(append(bvlc, npdu...), apdu...)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 47808}
	assert.NotPanics(t, func() { c.safeHandlePacket(packet, addr) })
}

func TestSendRequestRetriesThenAbortsWithTsmTimeout(t *testing.T) {
	c, err := NewClient(WithTimeout(20*time.Millisecond), WithRetries(2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	// Bind a throwaway socket to obtain a loopback address nobody is
	// listening on, then release it immediately.
	deadConn, err := net.ListenUDP("udp4", nil)
	require.NoError(t, err)
	target := deadConn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, deadConn.Close())

	_, err = c.sendRequest(context.Background(), target, ServiceReadProperty, []byte{0x00})
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, AbortReasonTsmTimeout, abortErr.Reason)
	assert.Equal(t, int64(2), c.Metrics().RequestsRetried.Value(), "2 retries on top of the initial attempt")
	assert.True(t, IsTimeout(err))
}
