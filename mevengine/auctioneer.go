package mevengine

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidAuctioneer  = errors.New("invalid auctioneer specification")
	ErrNoAuctioneerAccept = errors.New("no auctioneer accepted the bundle")
	ErrBundleRejected     = errors.New("bundle rejected")
)

// AuctioneerBackend submits bundles to a block auctioneer or relay.
type AuctioneerBackend interface {
	String() string
	SubmitBundle(ctx context.Context, bundle *Bundle) error
}

type bundleTxArgs struct {
	Hash  common.Hash    `json:"hash"`
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Gas   hexutil.Uint64 `json:"gas"`
	Data  hexutil.Bytes  `json:"data"`
	Kind  string         `json:"kind"`
}

type submitBundleArgs struct {
	BundleID    common.Hash    `json:"bundleId"`
	TargetBlock hexutil.Uint64 `json:"targetBlock"`
	Txs         []bundleTxArgs `json:"txs"`
}

type submitBundleResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// JSONRPCAuctioneer submits bundles over JSON-RPC.
type JSONRPCAuctioneer struct {
	name   string
	client jsonrpc.RPCClient
}

func NewJSONRPCAuctioneer(name, url string) *JSONRPCAuctioneer {
	return &JSONRPCAuctioneer{
		name:   name,
		client: jsonrpc.NewClient(url),
	}
}

func (a *JSONRPCAuctioneer) String() string {
	return a.name
}

func (a *JSONRPCAuctioneer) SubmitBundle(ctx context.Context, bundle *Bundle) error {
	args := submitBundleArgs{
		BundleID:    bundle.ID,
		TargetBlock: hexutil.Uint64(bundle.TargetBlock),
		Txs:         make([]bundleTxArgs, 0, len(bundle.Transactions)),
	}
	for _, tx := range bundle.Transactions {
		args.Txs = append(args.Txs, bundleTxArgs{
			Hash:  tx.Hash,
			To:    tx.To,
			Value: (*hexutil.Big)(tx.ValueWei),
			Gas:   hexutil.Uint64(tx.GasLimit),
			Data:  tx.Data,
			Kind:  tx.Kind.String(),
		})
	}
	res, err := a.client.Call(ctx, "mev_submitBundle", []submitBundleArgs{args})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	var response submitBundleResponse
	if err := res.GetObject(&response); err != nil {
		return err
	}
	if !response.Accepted {
		return &RejectionError{Reason: response.Reason}
	}
	return nil
}

// RejectionError is an explicit auctioneer rejection, as opposed to a
// transport failure.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "bundle rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error { return ErrBundleRejected }

// Definitive reports whether resubmitting the same bundle can ever succeed.
func (e *RejectionError) Definitive() bool {
	reason := strings.ToLower(e.Reason)
	for _, marker := range []string{"stale", "expired", "invalid", "nonce too low", "already included"} {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

type AuctioneersConfig struct {
	Auctioneers []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"auctioneers"`
}

// LoadAuctioneerConfig parses an auctioneer config from a yaml file.
func LoadAuctioneerConfig(file string) (*AuctioneerPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config AuctioneersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	backends := make([]AuctioneerBackend, 0, len(config.Auctioneers))
	for _, entry := range config.Auctioneers {
		if entry.Disabled {
			continue
		}
		if entry.Name == "" || entry.URL == "" {
			return nil, ErrInvalidAuctioneer
		}
		backends = append(backends, NewJSONRPCAuctioneer(entry.Name, entry.URL))
	}
	if len(backends) == 0 {
		return nil, ErrInvalidAuctioneer
	}
	return NewAuctioneerPool(backends), nil
}

// AuctioneerPool submits a bundle to all configured auctioneers in
// parallel. The submission succeeds when at least one accepts.
type AuctioneerPool struct {
	backends []AuctioneerBackend
}

func NewAuctioneerPool(backends []AuctioneerBackend) *AuctioneerPool {
	return &AuctioneerPool{backends: backends}
}

func (p *AuctioneerPool) String() string {
	names := make([]string, 0, len(p.backends))
	for _, b := range p.backends {
		names = append(names, b.String())
	}
	return strings.Join(names, ",")
}

func (p *AuctioneerPool) SubmitBundle(ctx context.Context, bundle *Bundle) error {
	return p.SubmitBundleLogged(ctx, zap.NewNop(), bundle)
}

// SubmitBundleLogged is SubmitBundle with per-backend result logging.
// When every backend rejects, the first definitive rejection wins so the
// caller does not retry a bundle no auctioneer will ever take.
func (p *AuctioneerPool) SubmitBundleLogged(ctx context.Context, logger *zap.Logger, bundle *Bundle) error {
	var wg sync.WaitGroup
	errs := make([]error, len(p.backends))
	for idx, backend := range p.backends {
		wg.Add(1)
		go func(backend AuctioneerBackend, idx int) {
			defer wg.Done()

			start := time.Now()
			err := backend.SubmitBundle(ctx, bundle)
			errs[idx] = err
			logger.Debug("Sent bundle to auctioneer",
				zap.String("auctioneer", backend.String()),
				zap.Duration("duration", time.Since(start)), zap.Error(err))
		}(backend, idx)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		var rejection *RejectionError
		if errors.As(err, &rejection) && rejection.Definitive() {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return ErrNoAuctioneerAccept
}
