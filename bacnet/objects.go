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
	"errors"
	"sync"
)

// PriorityArraySlots is the fixed length of a commandable property's
// priority array. Slot index 6 (priority 6, "minimum on/off") is reserved
// and never written by WriteProperty.
const PriorityArraySlots = 16

// reservedPrioritySlot is the zero-based index corresponding to priority 6.
const reservedPrioritySlot = 5

var (
	// ErrReservedPriority is returned when a write targets priority 6.
	ErrReservedPriority = errors.New("bacnet: priority 6 is reserved")
	// ErrPriorityOutOfRange is returned for a priority outside [1, 16].
	ErrPriorityOutOfRange = errors.New("bacnet: priority out of range")
	// ErrObjectNotFound is returned when an object identifier has no entry.
	ErrObjectNotFound = errors.New("bacnet: object not found")
	// ErrPropertyNotFoundInDB is returned when an object lacks a property.
	ErrPropertyNotFoundInDB = errors.New("bacnet: property not found")
)

// PriorityArray is a 16-slot commandable priority array. Slot 6 is
// reserved and always empty; the effective (relinquished-default aware)
// value is whichever populated slot has the lowest index.
type PriorityArray struct {
	slots [PriorityArraySlots]*Value
}

// Write sets priority (1-16) to v. Writing priority 6 is rejected.
func (p *PriorityArray) Write(priority int, v Value) error {
	if priority < 1 || priority > PriorityArraySlots {
		return ErrPriorityOutOfRange
	}
	if priority == reservedPrioritySlot+1 {
		return ErrReservedPriority
	}
	cp := v
	p.slots[priority-1] = &cp
	return nil
}

// Relinquish clears priority (1-16), allowing a lower-priority write or the
// relinquish default to take effect.
func (p *PriorityArray) Relinquish(priority int) error {
	if priority < 1 || priority > PriorityArraySlots {
		return ErrPriorityOutOfRange
	}
	if priority == reservedPrioritySlot+1 {
		return ErrReservedPriority
	}
	p.slots[priority-1] = nil
	return nil
}

// EffectiveValue returns the value at the lowest populated priority slot
// and its 1-based priority number, or ok=false if every slot is empty.
func (p *PriorityArray) EffectiveValue() (Value, int, bool) {
	for i, slot := range p.slots {
		if slot != nil {
			return *slot, i + 1, true
		}
	}
	return Value{}, 0, false
}

// Slots returns a snapshot of all 16 slots, nil where unwritten.
func (p *PriorityArray) Slots() [PriorityArraySlots]*Value {
	var out [PriorityArraySlots]*Value
	for i, s := range p.slots {
		if s != nil {
			cp := *s
			out[i] = &cp
		}
	}
	return out
}

// ChangeEvent is delivered to change-callback subscribers whenever a
// property's value is modified through WriteProperty or a commandable
// object's priority array resolves to a new effective value.
type ChangeEvent struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	OldValue   Value
	NewValue   Value
}

// ChangeCallback observes property changes on the object database.
type ChangeCallback func(ChangeEvent)

const maxCallbacksPerKey = 100

// Object is one BACnet object instance: a typed identifier plus its
// property map. Present-Value on commandable object types is backed by a
// PriorityArray; every other property is a plain Value.
type Object struct {
	ID         ObjectIdentifier
	Properties map[PropertyIdentifier]Value
	Priority   *PriorityArray // non-nil only for commandable objects
	Relinquish Value          // relinquish-default, used when Priority has nothing resolved
}

// commandableTypes lists the object types whose Present_Value is backed by
// a priority array, per ASHRAE 135 Clause 19.
var commandableTypes = map[ObjectType]bool{
	ObjectTypeAnalogOutput:  true,
	ObjectTypeAnalogValue:   true,
	ObjectTypeBinaryOutput:  true,
	ObjectTypeBinaryValue:   true,
	ObjectTypeMultiStateOutput: true,
	ObjectTypeMultiStateValue:  true,
}

// Database is the in-memory object store for a BACnet device: every local
// object, its properties, and a revision counter that increments whenever
// the object list itself changes (not on every property write).
type Database struct {
	mu        sync.RWMutex
	objects   map[ObjectIdentifier]*Object
	revision  uint32
	callbacks map[PropertyIdentifier][]ChangeCallback
}

// NewDatabase constructs an empty object database.
func NewDatabase() *Database {
	return &Database{
		objects:   make(map[ObjectIdentifier]*Object),
		callbacks: make(map[PropertyIdentifier][]ChangeCallback),
	}
}

// AddObject registers a new object, allocating a priority array when its
// type is commandable. Adding an object bumps Database_Revision.
func (d *Database) AddObject(id ObjectIdentifier) *Object {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj := &Object{ID: id, Properties: make(map[PropertyIdentifier]Value)}
	if commandableTypes[id.Type] {
		obj.Priority = &PriorityArray{}
	}
	d.objects[id] = obj
	d.revision++
	return obj
}

// RemoveObject deletes an object and bumps Database_Revision.
func (d *Database) RemoveObject(id ObjectIdentifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[id]; ok {
		delete(d.objects, id)
		d.revision++
	}
}

// Get returns the object for id.
func (d *Database) Get(id ObjectIdentifier) (*Object, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[id]
	return obj, ok
}

// ObjectList returns every registered object identifier; the Device
// object's Property_List / Object_List values are derived from this.
func (d *Database) ObjectList() []ObjectIdentifier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ObjectIdentifier, 0, len(d.objects))
	for id := range d.objects {
		out = append(out, id)
	}
	return out
}

// Revision returns the current Database_Revision value.
func (d *Database) Revision() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// OnChange registers a callback invoked whenever propertyID changes on any
// object. Registration is rejected once maxCallbacksPerKey callbacks are
// already registered for that property, bounding unbounded subscriber
// growth.
func (d *Database) OnChange(propertyID PropertyIdentifier, cb ChangeCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.callbacks[propertyID]) >= maxCallbacksPerKey {
		return errors.New("bacnet: too many change callbacks registered for property")
	}
	d.callbacks[propertyID] = append(d.callbacks[propertyID], cb)
	return nil
}

// ReadProperty reads propertyID from object id. For commandable objects'
// Present_Value, it returns the priority array's effective value, falling
// back to the relinquish default.
func (d *Database) ReadProperty(id ObjectIdentifier, propertyID PropertyIdentifier) (Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	obj, ok := d.objects[id]
	if !ok {
		return Value{}, ErrObjectNotFound
	}

	if propertyID == PropertyPresentValue && obj.Priority != nil {
		if v, _, ok := obj.Priority.EffectiveValue(); ok {
			return v, nil
		}
		return obj.Relinquish, nil
	}

	v, ok := obj.Properties[propertyID]
	if !ok {
		return Value{}, ErrPropertyNotFoundInDB
	}
	return v, nil
}

// WriteProperty writes propertyID on object id. For a commandable object's
// Present_Value, priority must be in [1,16] and not 6; for every other
// property, priority is ignored. Writing a Null value to a commandable
// Present_Value relinquishes that slot instead of storing the Null, per
// ASHRAE 135's Present_Value write semantics. Registered OnChange callbacks
// fire after the write commits.
func (d *Database) WriteProperty(id ObjectIdentifier, propertyID PropertyIdentifier, v Value, priority int) error {
	if propertyID == PropertyPresentValue && v.Kind == KindNull {
		obj, ok := d.Get(id)
		if !ok {
			return ErrObjectNotFound
		}
		if obj.Priority != nil {
			if priority == 0 {
				priority = PriorityArraySlots
			}
			return d.RelinquishProperty(id, priority)
		}
	}

	d.mu.Lock()

	obj, ok := d.objects[id]
	if !ok {
		d.mu.Unlock()
		return ErrObjectNotFound
	}

	var old Value
	if propertyID == PropertyPresentValue && obj.Priority != nil {
		old, _, _ = obj.Priority.EffectiveValue()
		if priority == 0 {
			priority = PriorityArraySlots // relinquish-default write path
		}
		if err := obj.Priority.Write(priority, v); err != nil {
			d.mu.Unlock()
			return err
		}
	} else {
		old = obj.Properties[propertyID]
		obj.Properties[propertyID] = v
	}

	cbs := append([]ChangeCallback(nil), d.callbacks[propertyID]...)
	d.mu.Unlock()

	event := ChangeEvent{ObjectID: id, PropertyID: propertyID, OldValue: old, NewValue: v}
	for _, cb := range cbs {
		cb(event)
	}
	return nil
}

// RelinquishProperty clears a commandable Present_Value write at priority.
func (d *Database) RelinquishProperty(id ObjectIdentifier, priority int) error {
	d.mu.Lock()
	obj, ok := d.objects[id]
	if !ok {
		d.mu.Unlock()
		return ErrObjectNotFound
	}
	if obj.Priority == nil {
		d.mu.Unlock()
		return ErrPropertyNotFoundInDB
	}
	old, _, _ := obj.Priority.EffectiveValue()
	if err := obj.Priority.Relinquish(priority); err != nil {
		d.mu.Unlock()
		return err
	}
	newVal, _, ok := obj.Priority.EffectiveValue()
	if !ok {
		newVal = obj.Relinquish
	}
	cbs := append([]ChangeCallback(nil), d.callbacks[PropertyPresentValue]...)
	d.mu.Unlock()

	event := ChangeEvent{ObjectID: id, PropertyID: PropertyPresentValue, OldValue: old, NewValue: newVal}
	for _, cb := range cbs {
		cb(event)
	}
	return nil
}

// PropertyList returns the dynamic Property_List for an object: every
// property key currently populated, plus Present_Value when the object is
// commandable.
func (d *Database) PropertyList(id ObjectIdentifier) ([]PropertyIdentifier, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[id]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]PropertyIdentifier, 0, len(obj.Properties)+1)
	for p := range obj.Properties {
		out = append(out, p)
	}
	if obj.Priority != nil {
		out = append(out, PropertyPresentValue)
	}
	return out, nil
}
