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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// BVLC Header (BACnet Virtual Link Control)
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC encodes a BVLC header.
func EncodeBVLC(function BVLCFunction, npduLength int) []byte {
	totalLength := 4 + npduLength
	buf := make([]byte, 4)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(totalLength))
	return buf
}

// DecodeBVLC decodes a BVLC header.
func DecodeBVLC(data []byte) (*BVLCHeader, error) {
	if len(data) < 4 {
		return nil, ErrInvalidBVLC
	}
	return &BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

const (
	maxBDTEntries = 128
	maxFDTEntries = 128
	maxFDTTTL     = 3600

	// fdtGracePeriod is added on top of a foreign device's requested TTL
	// before the registration is purged, absorbing a missed renewal caused
	// by network jitter.
	fdtGracePeriod = 30 * time.Second
)

// BDTEntry is one row of a Broadcast Distribution Table: a BBMD peer plus
// the broadcast distribution mask used to compute its directed-broadcast
// address.
type BDTEntry struct {
	Address LocalAddress
	Mask    [4]byte
}

// FDTEntry is one row of a Foreign Device Table: a registered foreign
// device, its requested TTL, and the deadline computed from it.
type FDTEntry struct {
	Address    LocalAddress
	TTL        uint16
	Expires    time.Time
	RegisterAt time.Time
}

var (
	// ErrBDTFull is returned when a BDT insert would exceed maxBDTEntries.
	ErrBDTFull = errors.New("bacnet: broadcast distribution table full")
	// ErrFDTFull is returned when a registration would exceed maxFDTEntries.
	ErrFDTFull = errors.New("bacnet: foreign device table full")
)

// BBMDManager implements BACnet Broadcast Management Device behavior:
// maintaining a Broadcast Distribution Table and a Foreign Device Table,
// and synthesizing Forwarded-NPDU messages so broadcasts reach peers across
// IP subnet boundaries.
type BBMDManager struct {
	mu  sync.RWMutex
	bdt []BDTEntry
	fdt []FDTEntry
	now func() time.Time
}

// NewBBMDManager constructs an empty BBMD manager.
func NewBBMDManager() *BBMDManager {
	return &BBMDManager{now: time.Now}
}

// AddBDTEntry inserts a broadcast distribution table entry, rejecting the
// insert once the table holds maxBDTEntries rows.
func (b *BBMDManager) AddBDTEntry(e BDTEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bdt) >= maxBDTEntries {
		return ErrBDTFull
	}
	b.bdt = append(b.bdt, e)
	return nil
}

// BDT returns a snapshot of the broadcast distribution table.
func (b *BBMDManager) BDT() []BDTEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]BDTEntry(nil), b.bdt...)
}

// RegisterForeignDevice inserts or refreshes a Foreign Device Table entry
// for addr, clamping ttl to maxFDTTTL per BACnet-Register-Foreign-Device
// semantics.
func (b *BBMDManager) RegisterForeignDevice(addr LocalAddress, ttl uint16) error {
	if ttl == 0 || ttl > maxFDTTTL {
		ttl = maxFDTTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for i := range b.fdt {
		if b.fdt[i].Address == addr {
			b.fdt[i].TTL = ttl
			b.fdt[i].RegisterAt = now
			b.fdt[i].Expires = now.Add(time.Duration(ttl)*time.Second + fdtGracePeriod)
			return nil
		}
	}
	if len(b.fdt) >= maxFDTEntries {
		return ErrFDTFull
	}
	b.fdt = append(b.fdt, FDTEntry{
		Address:    addr,
		TTL:        ttl,
		RegisterAt: now,
		Expires:    now.Add(time.Duration(ttl)*time.Second + fdtGracePeriod),
	})
	return nil
}

// PurgeExpired removes Foreign Device Table entries whose TTL plus
// fdtGracePeriod has lapsed.
func (b *BBMDManager) PurgeExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	kept := b.fdt[:0]
	for _, e := range b.fdt {
		if now.Before(e.Expires) {
			kept = append(kept, e)
		}
	}
	b.fdt = kept
}

// FDT returns a snapshot of the foreign device table.
func (b *BBMDManager) FDT() []FDTEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]FDTEntry(nil), b.fdt...)
}

// ForwardTargets returns the set of addresses a broadcast NPDU originating
// from origin must be forwarded to: every BDT peer but origin's own entry,
// plus every registered foreign device.
func (b *BBMDManager) ForwardTargets(origin LocalAddress) []LocalAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	targets := make([]LocalAddress, 0, len(b.bdt)+len(b.fdt))
	for _, e := range b.bdt {
		if e.Address != origin {
			targets = append(targets, e.Address)
		}
	}
	for _, e := range b.fdt {
		targets = append(targets, e.Address)
	}
	return targets
}

// EncodeForwardedNPDU wraps an original NPDU datagram in a
// Forwarded-NPDU BVLC message carrying the originating device's address.
func EncodeForwardedNPDU(origin LocalAddress, npdu []byte) []byte {
	header := EncodeBVLC(BVLCForwardedNPDU, 6+len(npdu))
	buf := make([]byte, 0, len(header)+6+len(npdu))
	buf = append(buf, header...)
	buf = append(buf, origin[:]...)
	buf = append(buf, npdu...)
	return buf
}

// DecodeForwardedNPDU extracts the originating address and inner NPDU
// bytes from a Forwarded-NPDU payload (the bytes following the 4-octet
// BVLC header).
func DecodeForwardedNPDU(payload []byte) (LocalAddress, []byte, error) {
	if len(payload) < 6 {
		return LocalAddress{}, nil, fmt.Errorf("%w: truncated forwarded-npdu", ErrInvalidBVLC)
	}
	var origin LocalAddress
	copy(origin[:], payload[:6])
	return origin, payload[6:], nil
}

// EncodeRegisterForeignDevice encodes a Register-Foreign-Device BVLC
// message with the requested TTL in seconds.
func EncodeRegisterForeignDevice(ttl uint16) []byte {
	header := EncodeBVLC(BVLCRegisterForeignDevice, 2)
	buf := make([]byte, 0, len(header)+2)
	buf = append(buf, header...)
	buf = append(buf, byte(ttl>>8), byte(ttl))
	return buf
}

func addrFromUDP(a *net.UDPAddr) LocalAddress {
	ip4 := a.IP.To4()
	var la LocalAddress
	if ip4 == nil {
		return la
	}
	copy(la[:4], ip4)
	la[4] = byte(a.Port >> 8)
	la[5] = byte(a.Port)
	return la
}
