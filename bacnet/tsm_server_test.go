package bacnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerTSMDeduplicatesRetransmission(t *testing.T) {
	tsm := NewServerTSM()

	_, dup := tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	assert.False(t, dup)

	tsm.Complete("peer", 1, []byte{0x30, 0x01, byte(ServiceReadProperty)})

	txn, dup := tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	assert.True(t, dup)
	assert.Equal(t, []byte{0x30, 0x01, byte(ServiceReadProperty)}, txn.Response)
}

func TestServerTSMInFlightDuplicateHasNoCachedResponse(t *testing.T) {
	tsm := NewServerTSM()
	tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)

	txn, dup := tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	assert.True(t, dup)
	assert.Nil(t, txn.Response)
}

func TestServerTSMOnTimeoutAllowsFreshRequest(t *testing.T) {
	tsm := NewServerTSM()
	tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	tsm.OnTimeout("peer", 1)

	_, dup := tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	assert.False(t, dup)
}

func TestServerTSMSweepReapsExpiredCompletedTransactions(t *testing.T) {
	tsm := NewServerTSM()
	now := time.Now()
	tsm.now = func() time.Time { return now }

	tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	tsm.Complete("peer", 1, []byte{0x20})

	now = now.Add(serverTransactionTTL + time.Second)
	tsm.Sweep()

	_, dup := tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	assert.False(t, dup, "expired transaction should have been reaped")
}

func TestServerTSMSweepKeepsInFlightTransactions(t *testing.T) {
	tsm := NewServerTSM()
	now := time.Now()
	tsm.now = func() time.Time { return now }

	tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	now = now.Add(serverTransactionTTL + time.Second)
	tsm.Sweep()

	_, dup := tsm.ReceiveConfirmedRequest("peer", 1, ServiceReadProperty)
	assert.True(t, dup, "in-flight transaction without a cached response must not be reaped")
}
