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
	"sync"
	"time"
)

// serverTransactionTTL is how long a completed server transaction's cached
// response is kept around to answer a retransmitted duplicate request.
const serverTransactionTTL = 10 * time.Second

// ServerTransaction tracks one confirmed request received from a peer,
// letting the server detect and answer retransmissions without
// re-executing the service.
type ServerTransaction struct {
	Peer         string
	InvokeID     uint8
	Service      ConfirmedServiceChoice
	Response     []byte // encoded APDU bytes cached for replay
	Segments     *reassemblyBuffer
	CreatedAt    time.Time
	LastActivity time.Time
}

// ServerTSM is the server-side transaction state machine: it deduplicates
// retransmitted confirmed requests, caches the corresponding response for
// replay, and reassembles segmented confirmed requests.
type ServerTSM struct {
	mu   sync.Mutex
	byID map[string]*ServerTransaction
	now  func() time.Time
}

// NewServerTSM constructs an empty server transaction state machine.
func NewServerTSM() *ServerTSM {
	return &ServerTSM{
		byID: make(map[string]*ServerTransaction),
		now:  time.Now,
	}
}

// ReceiveConfirmedRequest registers the arrival of a confirmed request. If
// this (peer, invoke-id) pair is already known, it reports duplicate=true
// and returns the transaction's cached response (nil if the original
// request is still being processed, meaning the duplicate should be
// silently dropped).
func (s *ServerTSM) ReceiveConfirmedRequest(peer string, invokeID uint8, service ConfirmedServiceChoice) (txn *ServerTransaction, duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := transactionKey(peer, invokeID)
	if existing, ok := s.byID[key]; ok {
		existing.LastActivity = s.now()
		return existing, true
	}

	txn = &ServerTransaction{
		Peer:         peer,
		InvokeID:     invokeID,
		Service:      service,
		CreatedAt:    s.now(),
		LastActivity: s.now(),
	}
	s.byID[key] = txn
	return txn, false
}

// Complete stores the encoded response for replay and starts the
// retention TTL countdown; Sweep reaps it once the TTL elapses.
func (s *ServerTSM) Complete(peer string, invokeID uint8, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn, ok := s.byID[transactionKey(peer, invokeID)]; ok {
		txn.Response = response
		txn.LastActivity = s.now()
	}
}

// OnTimeout removes a transaction that never completed (its originating
// service handler errored or the process was aborted) so a later retry
// from the same peer is treated as a fresh request.
func (s *ServerTSM) OnTimeout(peer string, invokeID uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, transactionKey(peer, invokeID))
}

// Sweep removes completed transactions whose cached response has aged
// past serverTransactionTTL.
func (s *ServerTSM) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, txn := range s.byID {
		if txn.Response != nil && now.Sub(txn.LastActivity) > serverTransactionTTL {
			delete(s.byID, key)
		}
	}
}
