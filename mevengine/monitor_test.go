package mevengine

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedNode struct {
	hashes []common.Hash
	txs    map[common.Hash]*MempoolTransaction
	err    error
}

func (n *scriptedNode) PendingTransactionHashes(context.Context) ([]common.Hash, error) {
	if n.err != nil {
		return nil, n.err
	}
	return n.hashes, nil
}

func (n *scriptedNode) TransactionByHash(_ context.Context, hash common.Hash) (*MempoolTransaction, error) {
	return n.txs[hash], nil
}

func (n *scriptedNode) BlockNumber(context.Context) (uint64, error) { return 77, nil }

func TestMonitorPollDeduplicates(t *testing.T) {
	h1, h2 := common.Hash{1}, common.Hash{2}
	node := &scriptedNode{
		hashes: []common.Hash{h1, h1, h2},
		txs: map[common.Hash]*MempoolTransaction{
			h1: {Hash: h1},
			h2: {Hash: h2},
		},
	}
	m := NewMonitor(zap.NewNop(), node, time.Hour)
	sub, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.pollOnce(context.Background()))
	require.Len(t, sub, 2)

	// the same hashes on the next poll are already seen
	require.NoError(t, m.pollOnce(context.Background()))
	require.Len(t, sub, 2)

	got := <-sub
	require.Equal(t, h1, got.Hash)
	require.False(t, got.FirstSeen.IsZero())
}

func TestMonitorSkipsMinedTransactions(t *testing.T) {
	h := common.Hash{1}
	// hash announced but the node no longer has the body
	node := &scriptedNode{hashes: []common.Hash{h}, txs: map[common.Hash]*MempoolTransaction{}}
	m := NewMonitor(zap.NewNop(), node, time.Hour)
	sub, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.pollOnce(context.Background()))
	require.Empty(t, sub)
}

func TestMonitorDecodesSwaps(t *testing.T) {
	h := common.Hash{1}
	input := encodeCall(selExactInputSingle,
		addressWord(tokenA),
		addressWord(tokenB),
		word(big.NewInt(1000)),
		addressWord(common.Address{}),
		word(big.NewInt(1000)),
		word(big.NewInt(1000)),
		word(big.NewInt(1000)),
		word(big.NewInt(1000)),
	)
	node := &scriptedNode{
		hashes: []common.Hash{h},
		txs:    map[common.Hash]*MempoolTransaction{h: {Hash: h, Input: input}},
	}
	m := NewMonitor(zap.NewNop(), node, time.Hour)
	sub, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.pollOnce(context.Background()))
	tx := <-sub
	require.NotNil(t, tx.Swap)
	require.Equal(t, SwapV3, tx.Swap.Kind)
}

func TestMonitorHealthTracking(t *testing.T) {
	node := &scriptedNode{err: errors.New("connection refused")}
	m := NewMonitor(zap.NewNop(), node, time.Hour)
	require.True(t, m.Healthy())

	for i := 0; i < healthFailThreshold; i++ {
		require.Error(t, m.pollOnce(context.Background()))
		m.recordFailure(node.err)
	}
	require.False(t, m.Healthy())

	node.err = nil
	require.NoError(t, m.pollOnce(context.Background()))
	m.recordSuccess()
	require.True(t, m.Healthy())
}

func TestMonitorUnsubscribeClosesChannel(t *testing.T) {
	m := NewMonitor(zap.NewNop(), &scriptedNode{}, time.Hour)
	sub, cancel := m.Subscribe()
	cancel()

	_, open := <-sub
	require.False(t, open)

	// publishing after unsubscribe must not panic
	m.publish(&MempoolTransaction{})
	cancel() // second cancel is a no-op
}

type countingNode struct {
	calls atomic.Int64
	err   error
}

func (n *countingNode) PendingTransactionHashes(context.Context) ([]common.Hash, error) {
	n.calls.Add(1)
	if n.err != nil {
		return nil, n.err
	}
	return nil, nil
}

func (n *countingNode) TransactionByHash(context.Context, common.Hash) (*MempoolTransaction, error) {
	return nil, nil
}

func (n *countingNode) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func TestPollBackoffBounds(t *testing.T) {
	m := NewMonitor(zap.NewNop(), &scriptedNode{}, 50*time.Millisecond)
	bo := m.pollBackoff()
	require.Equal(t, 50*time.Millisecond, bo.InitialInterval)

	// grows from the poll cadence, stays bounded, never gives up
	for i := 0; i < 30; i++ {
		d := bo.NextBackOff()
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, maxPollBackoff+maxPollBackoff/2)
	}
	bo.Reset()
	require.LessOrEqual(t, bo.NextBackOff(), 50*time.Millisecond+25*time.Millisecond)
}

func TestPollLoopBacksOffOnFailure(t *testing.T) {
	node := &countingNode{err: errors.New("rpc down")}
	m := NewMonitor(zap.NewNop(), node, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	wg := m.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	wg.Wait()

	calls := node.calls.Load()
	require.Greater(t, calls, int64(1))
	// without backoff the 1ms cadence would poll ~150 times
	require.Less(t, calls, int64(40))
}
