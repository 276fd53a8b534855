package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagRoundTripApplicationPrimitives(t *testing.T) {
	cases := []Value{
		{Kind: KindNull},
		{Kind: KindBoolean, Bool: true},
		{Kind: KindBoolean, Bool: false},
		{Kind: KindUnsigned, Uint: 0},
		{Kind: KindUnsigned, Uint: 255},
		{Kind: KindUnsigned, Uint: 70000},
		{Kind: KindSigned, Int: -1},
		{Kind: KindSigned, Int: 12345},
		{Kind: KindReal, Real32: 98.6},
		{Kind: KindDouble, Real64: 3.14159265},
		{Kind: KindOctetString, Octets: []byte{0x01, 0x02, 0x03}},
		{Kind: KindCharString, Str: "Outside Air Temp"},
		{Kind: KindEnumerated, Uint: 62},
		{Kind: KindObjectID, OID: NewObjectIdentifier(ObjectTypeAnalogInput, 1)},
	}

	for _, v := range cases {
		encoded := EncodeApplicationValue(nil, v)
		decoded, cursor, err := DecodeApplicationValue(encoded, 0)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), cursor)
		assert.Equal(t, v.Kind, decoded.Kind)

		switch v.Kind {
		case KindBoolean:
			assert.Equal(t, v.Bool, decoded.Bool)
		case KindUnsigned, KindEnumerated:
			assert.Equal(t, v.Uint, decoded.Uint)
		case KindSigned:
			assert.Equal(t, v.Int, decoded.Int)
		case KindReal:
			assert.Equal(t, v.Real32, decoded.Real32)
		case KindDouble:
			assert.Equal(t, v.Real64, decoded.Real64)
		case KindOctetString:
			assert.Equal(t, v.Octets, decoded.Octets)
		case KindCharString:
			assert.Equal(t, v.Str, decoded.Str)
		case KindObjectID:
			assert.Equal(t, v.OID, decoded.OID)
		}
	}
}

func TestUnsignedEncodingIsMinimal(t *testing.T) {
	cases := []struct {
		value        uint32
		octetsOfData int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{65535, 2},
		{65536, 3},
		{1 << 24, 4},
	}
	for _, c := range cases {
		encoded := EncodeApplicationValue(nil, Value{Kind: KindUnsigned, Uint: uint64(c.value)})
		tag, cursor, err := DecodeTagAt(encoded, 0)
		require.NoError(t, err)
		assert.Equal(t, c.octetsOfData, tag.Length, "value %d", c.value)
		assert.Equal(t, len(encoded), cursor+tag.Length)
	}
}

func TestDecodeTagAtOpeningClosing(t *testing.T) {
	data := append(EncodeOpeningTag(3), EncodeClosingTag(3)...)
	tag, cursor, err := DecodeTagAt(data, 0)
	require.NoError(t, err)
	assert.True(t, tag.Opening)
	assert.Equal(t, uint8(3), tag.Number)

	tag, cursor, err = DecodeTagAt(data, cursor)
	require.NoError(t, err)
	assert.True(t, tag.Closing)
	assert.Equal(t, uint8(3), tag.Number)
	assert.Equal(t, len(data), cursor)
}

func TestDecodeTagAtTruncated(t *testing.T) {
	_, _, err := DecodeTagAt(nil, 0)
	assert.Error(t, err)

	// context tag whose length octet claims 5 content bytes, none present
	_, _, err = DecodeTagAt([]byte{0x1D, 0x05}, 0)
	assert.Error(t, err)
}

func TestContextValueRoundTrip(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeDevice, 10001)
	encoded := EncodeContextObjectIdentifier(0, oid)
	decoded, cursor, err := DecodeContextValue(encoded, 0, KindObjectID)
	require.NoError(t, err)
	assert.Equal(t, oid, decoded.OID)
	assert.Equal(t, len(encoded), cursor)

	encoded = EncodeContextEnumerated(1, uint32(PropertyPresentValue))
	decoded, cursor, err = DecodeContextValue(encoded, 0, KindEnumerated)
	require.NoError(t, err)
	assert.Equal(t, uint64(PropertyPresentValue), decoded.Uint)
	assert.Equal(t, len(encoded), cursor)
}

func TestContextValueRejectsShortFixedWidthContent(t *testing.T) {
	// Context tag 0, 1 content byte, declaring a REAL (needs 4).
	truncatedReal := []byte{0x09, 0xAA}
	_, _, err := DecodeContextValue(truncatedReal, 0, KindReal)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	truncatedDouble := []byte{0x09, 0xAA}
	_, _, err = DecodeContextValue(truncatedDouble, 0, KindDouble)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	// Context tag 0, 3 content bytes present (declared and actual length
	// agree), but ObjectID/Date/Time all need 4.
	truncatedObjectID := []byte{0x0B, 0xAA, 0xBB, 0xCC}
	_, _, err = DecodeContextValue(truncatedObjectID, 0, KindObjectID)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	truncatedDate := []byte{0x0B, 0x01, 0x02, 0x03}
	_, _, err = DecodeContextValue(truncatedDate, 0, KindDate)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	truncatedTime := []byte{0x0B, 0x01, 0x02, 0x03}
	_, _, err = DecodeContextValue(truncatedTime, 0, KindTime)
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}
