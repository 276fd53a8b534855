package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseRevisionBumpsOnlyOnAddRemove(t *testing.T) {
	db := NewDatabase()
	assert.Equal(t, uint32(0), db.Revision())

	ai := db.AddObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1))
	assert.Equal(t, uint32(1), db.Revision())

	ai.Properties[PropertyPresentValue] = Value{Kind: KindReal, Real32: 70}
	require.NoError(t, db.WriteProperty(ai.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 71}, 0))
	assert.Equal(t, uint32(1), db.Revision(), "property writes must not bump Database_Revision")

	db.RemoveObject(ai.ID)
	assert.Equal(t, uint32(2), db.Revision())
}

func TestPriorityArrayEffectiveValueIsLowestPopulatedSlot(t *testing.T) {
	db := NewDatabase()
	ao := db.AddObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1))
	ao.Relinquish = Value{Kind: KindReal, Real32: 0}

	require.NoError(t, db.WriteProperty(ao.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 50}, 10))
	v, err := db.ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(50), v.Real32)

	require.NoError(t, db.WriteProperty(ao.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 80}, 2))
	v, err = db.ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(80), v.Real32, "priority 2 outranks priority 10")

	require.NoError(t, ao.Priority.Relinquish(2))
	v, err = db.ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(50), v.Real32, "relinquishing priority 2 falls back to priority 10")
}

func TestPriorityArrayRejectsReservedAndOutOfRangeSlots(t *testing.T) {
	db := NewDatabase()
	ao := db.AddObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1))

	err := db.WriteProperty(ao.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 1}, 6)
	assert.ErrorIs(t, err, ErrReservedPriority)

	err = db.WriteProperty(ao.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 1}, 17)
	assert.ErrorIs(t, err, ErrPriorityOutOfRange)
}

func TestPriorityArrayFallsBackToRelinquishDefault(t *testing.T) {
	db := NewDatabase()
	ao := db.AddObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1))
	ao.Relinquish = Value{Kind: KindReal, Real32: 42}

	v, err := db.ReadProperty(ao.ID, PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(42), v.Real32)
}

func TestWritePropertyUnknownObject(t *testing.T) {
	db := NewDatabase()
	err := db.WriteProperty(NewObjectIdentifier(ObjectTypeAnalogInput, 99), PropertyPresentValue, Value{}, 0)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestOnChangeFiresAfterWriteCommits(t *testing.T) {
	db := NewDatabase()
	ai := db.AddObject(NewObjectIdentifier(ObjectTypeAnalogInput, 2))
	ai.Properties[PropertyPresentValue] = Value{Kind: KindReal, Real32: 1}

	var fired ChangeEvent
	require.NoError(t, db.OnChange(PropertyPresentValue, func(e ChangeEvent) {
		fired = e
	}))

	require.NoError(t, db.WriteProperty(ai.ID, PropertyPresentValue, Value{Kind: KindReal, Real32: 2}, 0))
	assert.Equal(t, ai.ID, fired.ObjectID)
	assert.Equal(t, float32(1), fired.OldValue.Real32)
	assert.Equal(t, float32(2), fired.NewValue.Real32)
}

func TestOnChangeRejectsBeyondCallbackCap(t *testing.T) {
	db := NewDatabase()
	var err error
	for i := 0; i < maxCallbacksPerKey; i++ {
		err = db.OnChange(PropertyPresentValue, func(ChangeEvent) {})
		require.NoError(t, err)
	}
	err = db.OnChange(PropertyPresentValue, func(ChangeEvent) {})
	assert.Error(t, err)
}
