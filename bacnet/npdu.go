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
	"encoding/binary"
	"fmt"
)

// NPDU (Network Protocol Data Unit)
type NPDU struct {
	Version      uint8
	Control      NPDUControl
	DestNet      uint16
	DestAddr     []byte
	DestHopCount uint8
	SrcNet       uint16
	SrcAddr      []byte
	MessageType  NetworkMessageType
	VendorID     uint16
	Data         []byte
}

// EncodeNPDU encodes an NPDU for unicast without routing.
func EncodeNPDU(expectingReply bool, priority NPDUControl) []byte {
	control := priority
	if expectingReply {
		control |= NPDUControlExpectingReply
	}
	return []byte{0x01, byte(control)}
}

// EncodeNPDUWithDest encodes an NPDU carrying a remote-network destination
// specifier. hopCount must be nonzero whenever a destination is present;
// BACnet routers decrement it on every relay and drop the message at zero.
func EncodeNPDUWithDest(destNet uint16, destAddr []byte, hopCount uint8, expectingReply bool, priority NPDUControl) []byte {
	control := priority | NPDUControlDestSpecifier
	if expectingReply {
		control |= NPDUControlExpectingReply
	}

	buf := make([]byte, 0, 8+len(destAddr))
	buf = append(buf, 0x01)
	buf = append(buf, byte(control))
	buf = append(buf, byte(destNet>>8), byte(destNet))
	buf = append(buf, byte(len(destAddr)))
	buf = append(buf, destAddr...)
	buf = append(buf, hopCount)

	return buf
}

// EncodeNPDUWithSrc encodes an NPDU carrying a remote-network source
// specifier, used when relaying a message received from another network.
// It enforces the same source-address validity rules the decoder checks
// on the way in (NetworkAddress.ValidateSource): SNET must not be 0 or the
// global-broadcast network, and SLEN must be nonzero.
func EncodeNPDUWithSrc(srcNet uint16, srcAddr []byte, expectingReply bool, priority NPDUControl) ([]byte, error) {
	src := NetworkAddress{Net: srcNet, Mac: srcAddr}
	if err := src.ValidateSource(); err != nil {
		return nil, err
	}

	control := priority | NPDUControlSourceSpecifier
	if expectingReply {
		control |= NPDUControlExpectingReply
	}

	buf := make([]byte, 0, 5+len(srcAddr))
	buf = append(buf, 0x01)
	buf = append(buf, byte(control))
	buf = append(buf, byte(srcNet>>8), byte(srcNet))
	buf = append(buf, byte(len(srcAddr)))
	buf = append(buf, srcAddr...)

	return buf, nil
}

// DecodeNPDU decodes an NPDU. When a source specifier is present, the
// decoded (SrcNet, SrcAddr) is validated with NetworkAddress.ValidateSource
// so a malformed remote source (network 0 or the global-broadcast network
// number, or a specifier with a zero-length MAC) is rejected up front
// rather than propagating into routing or transaction lookups.
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrInvalidNPDU
	}

	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}

	if npdu.Version != 0x01 {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, npdu.Version)
	}

	offset := 2

	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestAddr = make([]byte, addrLen)
		copy(npdu.DestAddr, data[offset:offset+addrLen])
		offset += addrLen

		npdu.DestHopCount = data[offset]
		offset++
	}

	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcAddr = make([]byte, addrLen)
		copy(npdu.SrcAddr, data[offset:offset+addrLen])
		offset += addrLen

		src := NetworkAddress{Net: npdu.SrcNet, Mac: npdu.SrcAddr}
		if err := src.ValidateSource(); err != nil {
			return nil, 0, err
		}
	}

	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.MessageType = NetworkMessageType(data[offset])
		offset++

		if npdu.MessageType >= 0x80 {
			if len(data) < offset+2 {
				return nil, 0, ErrInvalidNPDU
			}
			npdu.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	if npdu.Control&NPDUControlDestSpecifier != 0 && npdu.DestHopCount == 0 {
		return nil, 0, fmt.Errorf("%w: zero hop count with destination specifier", ErrInvalidNPDU)
	}

	npdu.Data = data[offset:]
	return npdu, offset, nil
}
