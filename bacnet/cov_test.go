package bacnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCOVStatusFlagsAlwaysNotifies(t *testing.T) {
	sub := &COVSubscription{}
	old := Value{Kind: KindBitString, Bits: BitString{Bits: 4}}
	current := Value{Kind: KindBitString, Bits: BitString{Bits: 4, Bytes: []byte{0x80}}}
	assert.True(t, sub.ShouldNotify(PropertyStatusFlags, old, current))
}

func TestCOVAnalogIncrementThreshold(t *testing.T) {
	sub := &COVSubscription{}
	old := Value{Kind: KindReal, Real32: 70.0}

	belowThreshold := Value{Kind: KindReal, Real32: 70.5}
	assert.False(t, sub.ShouldNotify(PropertyPresentValue, old, belowThreshold))

	atThreshold := Value{Kind: KindReal, Real32: 71.0}
	assert.True(t, sub.ShouldNotify(PropertyPresentValue, old, atThreshold))
}

func TestCOVAnalogIncrementOverride(t *testing.T) {
	increment := 0.1
	sub := &COVSubscription{Increment: &increment}
	old := Value{Kind: KindReal, Real32: 70.0}
	current := Value{Kind: KindReal, Real32: 70.2}
	assert.True(t, sub.ShouldNotify(PropertyPresentValue, old, current))
}

func TestCOVDiscretePresentValueNotifiesOnAnyChange(t *testing.T) {
	sub := &COVSubscription{}
	old := Value{Kind: KindEnumerated, Uint: 0}
	current := Value{Kind: KindEnumerated, Uint: 1}
	assert.True(t, sub.ShouldNotify(PropertyPresentValue, old, current))

	assert.False(t, sub.ShouldNotify(PropertyPresentValue, old, old))
}

func TestCOVIgnoresUnrelatedProperties(t *testing.T) {
	sub := &COVSubscription{}
	assert.False(t, sub.ShouldNotify(PropertyObjectName, Value{}, Value{Str: "x"}))
}

func TestCOVBusInitialObserveAlwaysNotifies(t *testing.T) {
	bus := NewCOVBus()
	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	bus.Subscribe(&COVSubscription{Subscriber: "peer", ProcessID: 1, ObjectID: objectID})

	notify := bus.Observe(ChangeEvent{
		ObjectID:   objectID,
		PropertyID: PropertyPresentValue,
		OldValue:   Value{Kind: KindReal, Real32: 10},
		NewValue:   Value{Kind: KindReal, Real32: 10.05},
	})
	assert.Len(t, notify, 1, "first observation for a property must always notify")
}

func TestCOVBusSecondObserveRespectsIncrement(t *testing.T) {
	bus := NewCOVBus()
	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	bus.Subscribe(&COVSubscription{Subscriber: "peer", ProcessID: 1, ObjectID: objectID})

	bus.Observe(ChangeEvent{
		ObjectID: objectID, PropertyID: PropertyPresentValue,
		OldValue: Value{Kind: KindReal, Real32: 10}, NewValue: Value{Kind: KindReal, Real32: 10},
	})

	notify := bus.Observe(ChangeEvent{
		ObjectID: objectID, PropertyID: PropertyPresentValue,
		OldValue: Value{Kind: KindReal, Real32: 10}, NewValue: Value{Kind: KindReal, Real32: 10.2},
	})
	assert.Empty(t, notify, "second observation below increment must not notify")
}

func TestCOVBusCancelRemovesSubscription(t *testing.T) {
	bus := NewCOVBus()
	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	bus.Subscribe(&COVSubscription{Subscriber: "peer", ProcessID: 1, ObjectID: objectID})
	bus.Cancel("peer", 1, objectID)
	assert.Empty(t, bus.SubscriptionsFor(objectID))
}

func TestCOVBusSweepExpiresSubscriptions(t *testing.T) {
	bus := NewCOVBus()
	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	now := time.Now()
	bus.now = func() time.Time { return now }

	bus.Subscribe(&COVSubscription{Subscriber: "peer", ProcessID: 1, ObjectID: objectID, Lifetime: 10 * time.Second})

	now = now.Add(11 * time.Second)
	expired := bus.Sweep()
	assert.Len(t, expired, 1)
	assert.Empty(t, bus.SubscriptionsFor(objectID))
}
