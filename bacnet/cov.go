// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"math"
	"sync"
	"time"
)

// covSubscriptionKey identifies a subscription by the subscriber's address
// and process id, per ASHRAE 135's SubscribeCOV semantics: a given
// (address, process-id) pair holds at most one subscription per object.
type covSubscriptionKey struct {
	Subscriber string
	ProcessID  uint32
	ObjectID   ObjectIdentifier
}

// COVSubscription is one active Change-of-Value subscription.
type COVSubscription struct {
	Subscriber    string
	ProcessID     uint32
	ObjectID      ObjectIdentifier
	Confirmed     bool
	Lifetime      time.Duration // zero means indefinite
	Expires       time.Time     // zero time means indefinite
	Increment     *float64      // analog cov-increment override, nil uses the object's default
	lastReported  map[PropertyIdentifier]Value
}

// COVBus tracks subscriptions and decides, for each property write
// observed on the Database, which subscribers should be notified.
type COVBus struct {
	mu   sync.Mutex
	subs map[covSubscriptionKey]*COVSubscription
	now  func() time.Time
}

// NewCOVBus constructs an empty COV subscription bus.
func NewCOVBus() *COVBus {
	return &COVBus{
		subs: make(map[covSubscriptionKey]*COVSubscription),
		now:  time.Now,
	}
}

// Subscribe installs or refreshes a subscription. A zero lifetime means
// the subscription never expires on its own (it must be explicitly
// cancelled).
func (b *COVBus) Subscribe(sub *COVSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.Lifetime > 0 {
		sub.Expires = b.now().Add(sub.Lifetime)
	}
	sub.lastReported = make(map[PropertyIdentifier]Value)
	key := covSubscriptionKey{Subscriber: sub.Subscriber, ProcessID: sub.ProcessID, ObjectID: sub.ObjectID}
	b.subs[key] = sub
}

// Cancel removes a subscription.
func (b *COVBus) Cancel(subscriber string, processID uint32, objectID ObjectIdentifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, covSubscriptionKey{Subscriber: subscriber, ProcessID: processID, ObjectID: objectID})
}

// Sweep removes every subscription whose lifetime has elapsed. Callers run
// this roughly every 10 seconds.
func (b *COVBus) Sweep() []COVSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var expired []COVSubscription
	for key, sub := range b.subs {
		if !sub.Expires.IsZero() && now.After(sub.Expires) {
			expired = append(expired, *sub)
			delete(b.subs, key)
		}
	}
	return expired
}

// SubscriptionsFor returns every subscription registered against objectID.
func (b *COVBus) SubscriptionsFor(objectID ObjectIdentifier) []*COVSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*COVSubscription
	for key, sub := range b.subs {
		if key.ObjectID == objectID {
			out = append(out, sub)
		}
	}
	return out
}

// defaultAnalogIncrement is used when neither the subscription nor the
// object specifies a COV increment.
const defaultAnalogIncrement = 1.0

// ShouldNotify decides whether a change to propertyID from old to current
// triggers a notification for sub, per the rules:
//   - Status_Flags changes always trigger, regardless of increment.
//   - Analog Present_Value changes trigger only once the absolute delta
//     meets or exceeds the COV increment.
//   - Every other (discrete) Present_Value change triggers on any change.
func (sub *COVSubscription) ShouldNotify(propertyID PropertyIdentifier, old, current Value) bool {
	if propertyID == PropertyStatusFlags {
		return !old.Equal(current)
	}
	if propertyID != PropertyPresentValue {
		return false
	}
	if current.Kind == KindReal || current.Kind == KindDouble {
		inc := defaultAnalogIncrement
		if sub.Increment != nil {
			inc = *sub.Increment
		}
		var oldF, curF float64
		if current.Kind == KindReal {
			oldF, curF = float64(old.Real32), float64(current.Real32)
		} else {
			oldF, curF = old.Real64, current.Real64
		}
		return math.Abs(curF-oldF) >= inc
	}
	return !old.Equal(current)
}

// Observe is wired as a Database ChangeCallback: it evaluates every
// subscription on the changed object and returns the set that should
// receive a notification this round, recording the reported value in the
// last-reported cache of each subscription it notifies.
func (b *COVBus) Observe(event ChangeEvent) []*COVSubscription {
	subs := b.SubscriptionsFor(event.ObjectID)
	if len(subs) == 0 {
		return nil
	}

	var notify []*COVSubscription
	for _, sub := range subs {
		b.mu.Lock()
		last, seen := sub.lastReported[event.PropertyID]
		b.mu.Unlock()

		trigger := !seen || sub.ShouldNotify(event.PropertyID, last, event.NewValue)
		if trigger {
			notify = append(notify, sub)
			b.mu.Lock()
			sub.lastReported[event.PropertyID] = event.NewValue
			b.mu.Unlock()
		}
	}
	return notify
}
