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
	"time"
)

// maxInvokeIDSlots is the number of invoke-id values tried per destination
// before allocation gives up; BACnet invoke IDs are a single octet.
const maxInvokeIDSlots = 256

// ErrNoInvokeID is returned when every invoke-id slot for a destination is
// already in use.
var ErrNoInvokeID = errors.New("bacnet: no free invoke id for destination")

// ClientTransaction tracks one in-flight confirmed request, keyed by the
// (destination, invoke-id) pair so that two devices reusing the same
// invoke-id concurrently never collide.
type ClientTransaction struct {
	Peer       string // addr.String() of the destination
	InvokeID   uint8
	Service    ConfirmedServiceChoice
	ResultCh   chan *APDU
	Segments   *reassemblyBuffer
	CreatedAt  time.Time
	RetryCount int
}

// ClientTSM is the client-side transaction state machine: it allocates
// invoke IDs per destination, correlates replies by (destination,
// invoke-id). Retry and timeout are driven by the caller (Client.sendRequest),
// which keeps one transaction across its resends.
type ClientTSM struct {
	mu    sync.Mutex
	byKey map[string]*ClientTransaction // key = Peer + invokeID
	next  map[string]uint8              // last-allocated invoke-id per peer
}

// NewClientTSM constructs an empty client transaction state machine.
func NewClientTSM() *ClientTSM {
	return &ClientTSM{
		byKey: make(map[string]*ClientTransaction),
		next:  make(map[string]uint8),
	}
}

func transactionKey(peer string, invokeID uint8) string {
	return peer + "#" + string(rune(invokeID))
}

// Begin allocates a free invoke-id for peer via linear probing over the
// 256 possible values, registers a new ClientTransaction, and returns it.
func (t *ClientTSM) Begin(peer string, service ConfirmedServiceChoice) (*ClientTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.next[peer]
	for i := 0; i < maxInvokeIDSlots; i++ {
		id := uint8((int(start) + i) % maxInvokeIDSlots)
		key := transactionKey(peer, id)
		if _, inUse := t.byKey[key]; inUse {
			continue
		}
		t.next[peer] = id + 1
		txn := &ClientTransaction{
			Peer:      peer,
			InvokeID:  id,
			Service:   service,
			ResultCh:  make(chan *APDU, 1),
			CreatedAt: time.Now(),
		}
		t.byKey[key] = txn
		return txn, nil
	}
	return nil, ErrNoInvokeID
}

// Lookup returns the transaction registered for (peer, invokeID), if any.
func (t *ClientTSM) Lookup(peer string, invokeID uint8) (*ClientTransaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.byKey[transactionKey(peer, invokeID)]
	return txn, ok
}

// End removes a transaction once its final response has been delivered or
// it has been abandoned.
func (t *ClientTSM) End(peer string, invokeID uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byKey, transactionKey(peer, invokeID))
}

// Deliver routes a decoded APDU to the transaction matching its source
// peer and invoke-id, returning false if no transaction is registered for
// it (a late or duplicate reply).
func (t *ClientTSM) Deliver(peer string, apdu *APDU) bool {
	txn, ok := t.Lookup(peer, apdu.InvokeID)
	if !ok {
		return false
	}
	select {
	case txn.ResultCh <- apdu:
	default:
	}
	return true
}

// CloseAll closes every outstanding transaction's result channel and clears
// the table, used when the owning client disconnects.
func (t *ClientTSM) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, txn := range t.byKey {
		close(txn.ResultCh)
		delete(t.byKey, key)
	}
}

