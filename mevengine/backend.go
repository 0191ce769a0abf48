package mevengine

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"github.com/ybbus/jsonrpc/v3"
)

// NodeBackend is the engine's view of a Monad RPC node. One backend serves
// all strategies.
type NodeBackend interface {
	PendingTransactionHashes(ctx context.Context) ([]common.Hash, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*MempoolTransaction, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EventBackend receives accepted opportunities. Implementations must not
// block the caller for longer than a publish round-trip.
type EventBackend interface {
	NotifyAccepted(ctx context.Context, opportunity *Opportunity) error
}

type rpcTransaction struct {
	Hash     common.Hash     `json:"hash"`
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to"`
	Value    *hexutil.Big    `json:"value"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Input    hexutil.Bytes   `json:"input"`
}

// JSONRPCNodeBackend polls pending transactions through the standard
// eth_newPendingTransactionFilter / eth_getFilterChanges pair, recreating
// the filter when the node forgets it.
type JSONRPCNodeBackend struct {
	client jsonrpc.RPCClient

	mu       sync.Mutex
	filterID string
}

func NewJSONRPCNodeBackend(url string) *JSONRPCNodeBackend {
	return &JSONRPCNodeBackend{
		client: jsonrpc.NewClient(url),
	}
}

func (b *JSONRPCNodeBackend) ensureFilter(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filterID != "" {
		return b.filterID, nil
	}
	var id string
	if err := b.client.CallFor(ctx, &id, "eth_newPendingTransactionFilter"); err != nil {
		return "", err
	}
	b.filterID = id
	return id, nil
}

func (b *JSONRPCNodeBackend) dropFilter() {
	b.mu.Lock()
	b.filterID = ""
	b.mu.Unlock()
}

func (b *JSONRPCNodeBackend) PendingTransactionHashes(ctx context.Context) ([]common.Hash, error) {
	id, err := b.ensureFilter(ctx)
	if err != nil {
		return nil, err
	}
	var hashes []common.Hash
	err = b.client.CallFor(ctx, &hashes, "eth_getFilterChanges", id)
	if err != nil {
		if strings.Contains(err.Error(), "filter not found") {
			b.dropFilter()
		}
		return nil, err
	}
	return hashes, nil
}

func (b *JSONRPCNodeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*MempoolTransaction, error) {
	var raw *rpcTransaction
	if err := b.client.CallFor(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	tx := &MempoolTransaction{
		Hash:  raw.Hash,
		From:  raw.From,
		Input: raw.Input,
	}
	if raw.To != nil {
		tx.To = *raw.To
	}
	if raw.Value != nil {
		tx.Value = raw.Value.ToInt()
	} else {
		tx.Value = new(big.Int)
	}
	if raw.GasPrice != nil {
		tx.GasPrice = raw.GasPrice.ToInt()
	}
	return tx, nil
}

func (b *JSONRPCNodeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	var num hexutil.Uint64
	if err := b.client.CallFor(ctx, &num, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(num), nil
}

// RedisEventBackend publishes accepted opportunities to a redis pub/sub
// channel for downstream consumers.
type RedisEventBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisEventBackend(redisClient *redis.Client, pubChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (b *RedisEventBackend) NotifyAccepted(ctx context.Context, opportunity *Opportunity) error {
	data, err := json.Marshal(opportunity)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}

// ChannelEventBackend delivers accepted opportunities on an in-process
// channel, mainly for embedding and tests. Events are dropped, never
// blocked on, when the consumer falls behind.
type ChannelEventBackend struct {
	ch chan *Opportunity
}

func NewChannelEventBackend(buffer int) *ChannelEventBackend {
	return &ChannelEventBackend{ch: make(chan *Opportunity, buffer)}
}

func (b *ChannelEventBackend) Events() <-chan *Opportunity {
	return b.ch
}

func (b *ChannelEventBackend) NotifyAccepted(_ context.Context, opportunity *Opportunity) error {
	select {
	case b.ch <- opportunity:
	default:
	}
	return nil
}

// MultiEventBackend fans one event out to several backends, returning the
// first error after trying all of them.
type MultiEventBackend []EventBackend

func (m MultiEventBackend) NotifyAccepted(ctx context.Context, opportunity *Opportunity) error {
	var firstErr error
	for _, b := range m {
		if err := b.NotifyAccepted(ctx, opportunity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
