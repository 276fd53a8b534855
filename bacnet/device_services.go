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
	"context"
	"time"
)

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}

// handleReadProperty implements the ReadProperty service against the
// device's object database.
func (d *Device) handleReadProperty(ctx context.Context, peer PeerAddress, invokeID uint8, requestData []byte) ([]byte, error) {
	objectVal, cursor, err := DecodeContextValue(requestData, 0, KindObjectID)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	propVal, cursor, err := DecodeContextValue(requestData, cursor, KindEnumerated)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	propertyID := PropertyIdentifier(propVal.Uint)
	_ = cursor

	value, err := d.db.ReadProperty(objectVal.OID, propertyID)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}

	resp := append([]byte{}, EncodeContextObjectIdentifier(0, objectVal.OID)...)
	resp = append(resp, EncodeContextEnumerated(1, uint32(propertyID))...)
	resp = append(resp, EncodeOpeningTag(3)...)
	resp = append(resp, EncodeApplicationValue(nil, value)...)
	resp = append(resp, EncodeClosingTag(3)...)
	return resp, nil
}

// handleWriteProperty implements the WriteProperty service, dispatching
// to the priority array path for commandable Present_Value writes.
func (d *Device) handleWriteProperty(ctx context.Context, peer PeerAddress, invokeID uint8, requestData []byte) ([]byte, error) {
	objectVal, cursor, err := DecodeContextValue(requestData, 0, KindObjectID)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	propVal, cursor, err := DecodeContextValue(requestData, cursor, KindEnumerated)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	propertyID := PropertyIdentifier(propVal.Uint)

	openTag, cursor, err := DecodeTagAt(requestData, cursor)
	if err != nil || !openTag.Opening {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	value, cursor, err := DecodeApplicationValue(requestData, cursor)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	closeTag, cursor, err := DecodeTagAt(requestData, cursor)
	if err != nil || !closeTag.Closing {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}

	priority := 0
	if cursor < len(requestData) {
		if pv, _, err := DecodeContextValue(requestData, cursor, KindUnsigned); err == nil {
			priority = int(pv.Uint)
		}
	}

	if err := d.db.WriteProperty(objectVal.OID, propertyID, value, priority); err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	return nil, nil
}

// handleSubscribeCOV implements the SubscribeCOV service, installing a
// subscription on the device's COV bus or cancelling one when no lifetime
// and no confirmation flag are present (a cancellation request per Clause
// 13.14).
func (d *Device) handleSubscribeCOV(ctx context.Context, peer PeerAddress, invokeID uint8, requestData []byte) ([]byte, error) {
	subIDVal, cursor, err := DecodeContextValue(requestData, 0, KindUnsigned)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	objectVal, cursor, err := DecodeContextValue(requestData, cursor, KindObjectID)
	if err != nil {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}

	subscriberAddr := peer.String()

	if cursor >= len(requestData) {
		d.cov.Cancel(subscriberAddr, uint32(subIDVal.Uint), objectVal.OID)
		return nil, nil
	}

	confirmedVal, cursor, err := DecodeContextValue(requestData, cursor, KindBoolean)
	confirmed := err == nil && confirmedVal.Bool

	var lifetime uint32
	if cursor < len(requestData) {
		if lv, next, err := DecodeContextValue(requestData, cursor, KindUnsigned); err == nil {
			lifetime = uint32(lv.Uint)
			cursor = next
		}
	}

	sub := &COVSubscription{
		Subscriber: subscriberAddr,
		ProcessID:  uint32(subIDVal.Uint),
		ObjectID:   objectVal.OID,
		Confirmed:  confirmed,
	}
	if lifetime > 0 {
		sub.Lifetime = secondsToDuration(lifetime)
	}
	d.cov.Subscribe(sub)

	if value, err := d.db.ReadProperty(objectVal.OID, PropertyPresentValue); err == nil {
		d.notifyCOV(sub, ChangeEvent{ObjectID: objectVal.OID, PropertyID: PropertyPresentValue, NewValue: value})
	}

	return nil, nil
}
