package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTSMInvokeIDScopedPerPeer(t *testing.T) {
	tsm := NewClientTSM()

	txnA1, err := tsm.Begin("10.0.0.1:47808", ServiceReadProperty)
	require.NoError(t, err)
	txnB1, err := tsm.Begin("10.0.0.2:47808", ServiceReadProperty)
	require.NoError(t, err)

	// Two different peers can independently hold invoke-id 0 at once.
	assert.Equal(t, uint8(0), txnA1.InvokeID)
	assert.Equal(t, uint8(0), txnB1.InvokeID)

	txnA2, err := tsm.Begin("10.0.0.1:47808", ServiceReadProperty)
	require.NoError(t, err)
	assert.NotEqual(t, txnA1.InvokeID, txnA2.InvokeID)
}

func TestClientTSMAllocationExhaustion(t *testing.T) {
	tsm := NewClientTSM()
	for i := 0; i < maxInvokeIDSlots; i++ {
		_, err := tsm.Begin("peer", ServiceReadProperty)
		require.NoError(t, err)
	}
	_, err := tsm.Begin("peer", ServiceReadProperty)
	assert.ErrorIs(t, err, ErrNoInvokeID)
}

func TestClientTSMDeliverRoutesToCorrectTransaction(t *testing.T) {
	tsm := NewClientTSM()
	txn, err := tsm.Begin("peer", ServiceReadProperty)
	require.NoError(t, err)

	apdu := &APDU{Type: PDUTypeSimpleAck, InvokeID: txn.InvokeID}
	ok := tsm.Deliver("peer", apdu)
	assert.True(t, ok)

	select {
	case got := <-txn.ResultCh:
		assert.Same(t, apdu, got)
	default:
		t.Fatal("expected delivered APDU on ResultCh")
	}
}

func TestClientTSMDeliverUnknownTransaction(t *testing.T) {
	tsm := NewClientTSM()
	ok := tsm.Deliver("peer", &APDU{InvokeID: 99})
	assert.False(t, ok)
}

func TestClientTSMEndRemovesTransaction(t *testing.T) {
	tsm := NewClientTSM()
	txn, err := tsm.Begin("peer", ServiceReadProperty)
	require.NoError(t, err)
	tsm.End("peer", txn.InvokeID)
	_, ok := tsm.Lookup("peer", txn.InvokeID)
	assert.False(t, ok)
}

func TestClientTSMTransactionSurvivesAcrossRetries(t *testing.T) {
	tsm := NewClientTSM()
	txn, err := tsm.Begin("peer", ServiceReadProperty)
	require.NoError(t, err)

	// A resend preserves the invoke-id: the same transaction is still
	// reachable by (peer, invoke-id) after simulated retry bookkeeping.
	txn.RetryCount++
	txn.RetryCount++

	got, ok := tsm.Lookup("peer", txn.InvokeID)
	require.True(t, ok)
	assert.Same(t, txn, got)
	assert.Equal(t, 2, got.RetryCount)
}

func TestClientTSMCloseAllClosesChannels(t *testing.T) {
	tsm := NewClientTSM()
	txn, err := tsm.Begin("peer", ServiceReadProperty)
	require.NoError(t, err)

	tsm.CloseAll()

	_, ok := <-txn.ResultCh
	assert.False(t, ok, "channel should be closed")
	_, ok = tsm.Lookup("peer", txn.InvokeID)
	assert.False(t, ok)
}
