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

import "fmt"

// APDU is the decoded form of any of the eight application-layer PDU
// kinds: Confirmed-Request, Unconfirmed-Request, Simple-ACK, Complex-ACK,
// Segment-ACK, Error, Reject, and Abort.
type APDU struct {
	Type         PDUType
	Segmented    bool
	MoreFollows  bool
	SegmentedAck bool // NAK field on a Segment-ACK PDU
	Server       bool // set on Segment-ACK: ack originates from the segment receiver acting as server
	MaxSegments  uint8
	MaxAPDU      uint8
	InvokeID     uint8
	SequenceNum  uint8
	WindowSize   uint8
	Service      uint8
	Data         []byte
}

// EncodeConfirmedRequest encodes a confirmed service request APDU.
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, data []byte, maxSegments, maxAPDU uint8) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest))
	buf = append(buf, (maxSegments<<4)|maxAPDU)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeSegmentedConfirmedRequest encodes one segment of a confirmed
// request that has been split by the segmentation engine.
func EncodeSegmentedConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, sequenceNum, windowSize uint8, moreFollows bool, data []byte, maxSegments, maxAPDU uint8) []byte {
	flags := byte(PDUTypeConfirmedRequest) | 0x08 // segmented
	if moreFollows {
		flags |= 0x04
	}
	buf := make([]byte, 0, 6+len(data))
	buf = append(buf, flags)
	buf = append(buf, (maxSegments<<4)|maxAPDU)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, sequenceNum)
	buf = append(buf, windowSize)
	buf = append(buf, data...)
	return buf
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request APDU.
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest))
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeSimpleAck encodes a Simple-ACK APDU.
func EncodeSimpleAck(invokeID uint8, service ConfirmedServiceChoice) []byte {
	return []byte{byte(PDUTypeSimpleAck), invokeID, byte(service)}
}

// EncodeComplexAck encodes an unsegmented Complex-ACK APDU.
func EncodeComplexAck(invokeID uint8, service ConfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck))
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeSegmentedComplexAck encodes one segment of a Complex-ACK.
func EncodeSegmentedComplexAck(invokeID uint8, service ConfirmedServiceChoice, sequenceNum, windowSize uint8, moreFollows bool, data []byte) []byte {
	flags := byte(PDUTypeComplexAck) | 0x08
	if moreFollows {
		flags |= 0x04
	}
	buf := make([]byte, 0, 5+len(data))
	buf = append(buf, flags)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, sequenceNum)
	buf = append(buf, windowSize)
	buf = append(buf, data...)
	return buf
}

// EncodeSegmentAck encodes a Segment-ACK PDU. server is true when the ack
// is sent by the party acting as the application-service server for this
// transaction (clear on the client's acks of a segmented Complex-ACK).
func EncodeSegmentAck(invokeID, sequenceNum, windowSize uint8, negativeAck, server bool) []byte {
	flags := byte(PDUTypeSegmentAck)
	if negativeAck {
		flags |= 0x02
	}
	if server {
		flags |= 0x01
	}
	return []byte{flags, invokeID, sequenceNum, windowSize}
}

// EncodeErrorAPDU encodes an Error APDU.
func EncodeErrorAPDU(invokeID uint8, service uint8, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeError))
	buf = append(buf, invokeID)
	buf = append(buf, service)
	buf = append(buf, data...)
	return buf
}

// EncodeRejectAPDU encodes a Reject APDU.
func EncodeRejectAPDU(invokeID uint8, reason RejectReason) []byte {
	return []byte{byte(PDUTypeReject), invokeID, byte(reason)}
}

// EncodeAbortAPDU encodes an Abort APDU. server is true when the sender is
// the application-service server for the transaction being aborted.
func EncodeAbortAPDU(invokeID uint8, reason AbortReason, server bool) []byte {
	flags := byte(PDUTypeAbort)
	if server {
		flags |= 0x01
	}
	return []byte{flags, invokeID, byte(reason)}
}

// DecodeAPDU decodes any of the eight PDU kinds, dispatching on the high
// nibble of the first octet.
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}

	pduType := PDUType(data[0] & 0xF0)

	switch pduType {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeSimpleAck:
		return decodeSimpleAck(data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeSegmentAck:
		return decodeSegmentAck(data)
	case PDUTypeError:
		return decodeErrorAPDU(data)
	case PDUTypeReject:
		return decodeRejectAPDU(data)
	case PDUTypeAbort:
		return decodeAbortAPDU(data)
	default:
		return nil, fmt.Errorf("%w: unknown PDU type %02x", ErrInvalidAPDU, pduType)
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeConfirmedRequest,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		MaxSegments: (data[1] >> 4) & 0x07,
		MaxAPDU:     data[1] & 0x0F,
		InvokeID:    data[2],
		Service:     data[3],
		Data:        data[4:],
	}

	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[4]
		apdu.WindowSize = data[5]
		apdu.Data = data[6:]
	}

	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

func decodeSimpleAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeSimpleAck,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		InvokeID:    data[1],
		Service:     data[2],
		Data:        data[3:],
	}

	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[3]
		apdu.WindowSize = data[4]
		apdu.Data = data[5:]
	}

	return apdu, nil
}

// decodeSegmentAck decodes a Segment-ACK PDU (type 4), sent by a segment
// receiver to acknowledge a window and request the next one.
func decodeSegmentAck(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:         PDUTypeSegmentAck,
		SegmentedAck: data[0]&0x02 != 0,
		Server:       data[0]&0x01 != 0,
		InvokeID:     data[1],
		SequenceNum:  data[2],
		WindowSize:   data[3],
	}, nil
}

func decodeErrorAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeError,
		InvokeID: data[1],
		Service:  data[2],
		Data:     data[3:],
	}, nil
}

func decodeRejectAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeReject,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeAbortAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeAbort,
		Server:   data[0]&0x01 != 0,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}
