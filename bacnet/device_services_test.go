package bacnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeReadPropertyRequest(oid ObjectIdentifier, propertyID PropertyIdentifier) []byte {
	data := EncodeContextObjectIdentifier(0, oid)
	data = append(data, EncodeContextEnumerated(1, uint32(propertyID))...)
	return data
}

func encodeWritePropertyRequest(oid ObjectIdentifier, propertyID PropertyIdentifier, v Value, priority uint32) []byte {
	data := EncodeContextObjectIdentifier(0, oid)
	data = append(data, EncodeContextEnumerated(1, uint32(propertyID))...)
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, EncodeApplicationValue(nil, v)...)
	data = append(data, EncodeClosingTag(3)...)
	if priority > 0 {
		data = append(data, EncodeContextUnsigned(4, priority)...)
	}
	return data
}

func TestHandleReadPropertyWireRoundTrip(t *testing.T) {
	dev := NewDevice(WithDeviceInstance(10001, "test-device"))
	ai := dev.Database().AddObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1))
	ai.Properties[PropertyPresentValue] = Value{Kind: KindReal, Real32: 68.5}

	req := encodeReadPropertyRequest(ai.ID, PropertyPresentValue)
	resp, err := dev.handleReadProperty(context.Background(), PeerAddress{}, 1, req)
	require.NoError(t, err)

	gotObj, cursor, err := DecodeContextValue(resp, 0, KindObjectID)
	require.NoError(t, err)
	assert.Equal(t, ai.ID, gotObj.OID)

	gotProp, cursor, err := DecodeContextValue(resp, cursor, KindEnumerated)
	require.NoError(t, err)
	assert.Equal(t, uint64(PropertyPresentValue), gotProp.Uint)

	openTag, cursor, err := DecodeTagAt(resp, cursor)
	require.NoError(t, err)
	assert.True(t, openTag.Opening)

	value, cursor, err := DecodeApplicationValue(resp, cursor)
	require.NoError(t, err)
	assert.Equal(t, float32(68.5), value.Real32)

	closeTag, _, err := DecodeTagAt(resp, cursor)
	require.NoError(t, err)
	assert.True(t, closeTag.Closing)
}

func TestHandleReadPropertyUnknownObject(t *testing.T) {
	dev := NewDevice(WithDeviceInstance(10001, "test-device"))
	req := encodeReadPropertyRequest(NewObjectIdentifier(ObjectTypeAnalogInput, 99), PropertyPresentValue)
	_, err := dev.handleReadProperty(context.Background(), PeerAddress{}, 1, req)
	assert.Error(t, err)
}

func TestHandleWritePropertyHonorsPriority(t *testing.T) {
	dev := NewDevice(WithDeviceInstance(10001, "test-device"))
	ao := dev.Database().AddObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1))
	ao.Relinquish = Value{Kind: KindReal, Real32: 0}

	req := encodeWritePropertyRequest(ao.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 75.0}, 8)
	_, err := dev.handleWriteProperty(context.Background(), PeerAddress{}, 1, req)
	require.NoError(t, err)

	v, err := dev.Database().ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(75.0), v.Real32)
}

func TestHandleWritePropertyNullRelinquishesSlot(t *testing.T) {
	dev := NewDevice(WithDeviceInstance(10001, "test-device"))
	ao := dev.Database().AddObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1))
	ao.Relinquish = Value{Kind: KindReal, Real32: 0.0}

	req := encodeWritePropertyRequest(ao.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 75.0}, 8)
	_, err := dev.handleWriteProperty(context.Background(), PeerAddress{}, 1, req)
	require.NoError(t, err)

	v, err := dev.Database().ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(75.0), v.Real32)

	nullReq := encodeWritePropertyRequest(ao.ID, PropertyPresentValue, Value{Kind: KindNull}, 8)
	_, err = dev.handleWriteProperty(context.Background(), PeerAddress{}, 2, nullReq)
	require.NoError(t, err)

	v, err = dev.Database().ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(0.0), v.Real32, "writing NULL at priority 8 must relinquish that slot and fall back to Relinquish_Default")
}

func TestHandleSubscribeCOVThenCancel(t *testing.T) {
	dev := NewDevice(WithDeviceInstance(10001, "test-device"))
	ai := dev.Database().AddObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1))
	ai.Properties[PropertyPresentValue] = Value{Kind: KindReal, Real32: 10}

	peer := PeerAddress{Local: NewLocalAddress(nil, 0)}

	subData := EncodeContextUnsigned(0, 42)
	subData = append(subData, EncodeContextObjectIdentifier(1, ai.ID)...)
	subData = append(subData, EncodeContextBoolean(2, false)...)
	subData = append(subData, EncodeContextUnsigned(3, 60)...)

	_, err := dev.handleSubscribeCOV(context.Background(), peer, 1, subData)
	require.NoError(t, err)
	assert.Len(t, dev.COVBus().SubscriptionsFor(ai.ID), 1)

	cancelData := EncodeContextUnsigned(0, 42)
	cancelData = append(cancelData, EncodeContextObjectIdentifier(1, ai.ID)...)
	_, err = dev.handleSubscribeCOV(context.Background(), peer, 2, cancelData)
	require.NoError(t, err)
	assert.Empty(t, dev.COVBus().SubscriptionsFor(ai.ID))
}
