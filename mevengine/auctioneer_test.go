package mevengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuctioneer struct {
	name  string
	err   error
	calls atomic.Int64
}

func (f *fakeAuctioneer) String() string { return f.name }

func (f *fakeAuctioneer) SubmitBundle(_ context.Context, _ *Bundle) error {
	f.calls.Add(1)
	return f.err
}

func TestRejectionErrorDefinitive(t *testing.T) {
	cases := []struct {
		reason     string
		definitive bool
	}{
		{"stale bundle", true},
		{"bundle expired", true},
		{"invalid transaction", true},
		{"nonce too low", true},
		{"tx already included", true},
		{"Target Block Expired", true},
		{"block full", false},
		{"bundle underpriced", false},
		{"", false},
	}
	for _, tc := range cases {
		err := &RejectionError{Reason: tc.reason}
		require.Equal(t, tc.definitive, err.Definitive(), tc.reason)
	}
}

func TestRejectionErrorUnwrap(t *testing.T) {
	var err error = &RejectionError{Reason: "block full"}
	require.ErrorIs(t, err, ErrBundleRejected)
	require.Contains(t, err.Error(), "block full")
}

func TestAuctioneerPoolOneAcceptSucceeds(t *testing.T) {
	accept := &fakeAuctioneer{name: "a"}
	reject := &fakeAuctioneer{name: "b", err: &RejectionError{Reason: "block full"}}
	pool := NewAuctioneerPool([]AuctioneerBackend{reject, accept})

	err := pool.SubmitBundle(context.Background(), &Bundle{})
	require.NoError(t, err)
	require.Equal(t, int64(1), accept.calls.Load())
	require.Equal(t, int64(1), reject.calls.Load())
}

func TestAuctioneerPoolAllRejectReturnsFirstError(t *testing.T) {
	first := &fakeAuctioneer{name: "a", err: errors.New("connection refused")}
	second := &fakeAuctioneer{name: "b", err: &RejectionError{Reason: "block full"}}
	pool := NewAuctioneerPool([]AuctioneerBackend{first, second})

	err := pool.SubmitBundleLogged(context.Background(), zap.NewNop(), &Bundle{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

func TestAuctioneerPoolDefinitiveRejectionWins(t *testing.T) {
	transient := &fakeAuctioneer{name: "a", err: &RejectionError{Reason: "block full"}}
	definitive := &fakeAuctioneer{name: "b", err: &RejectionError{Reason: "stale bundle"}}
	pool := NewAuctioneerPool([]AuctioneerBackend{transient, definitive})

	err := pool.SubmitBundle(context.Background(), &Bundle{})
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	require.True(t, rejection.Definitive())
	require.Equal(t, "stale bundle", rejection.Reason)
}

func TestAuctioneerPoolString(t *testing.T) {
	pool := NewAuctioneerPool([]AuctioneerBackend{
		&fakeAuctioneer{name: "alpha"},
		&fakeAuctioneer{name: "beta"},
	})
	require.Equal(t, "alpha,beta", pool.String())
}

func TestLoadAuctioneerConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "auctioneers.yaml")
	content := `auctioneers:
  - name: primary
    url: http://localhost:9545
  - name: disabled-one
    url: http://localhost:9546
    disabled: true
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	pool, err := LoadAuctioneerConfig(file)
	require.NoError(t, err)
	require.Equal(t, "primary", pool.String())
}

func TestLoadAuctioneerConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadAuctioneerConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("auctioneers: []\n"), 0o644))
	_, err = LoadAuctioneerConfig(empty)
	require.ErrorIs(t, err, ErrInvalidAuctioneer)

	nameless := filepath.Join(dir, "nameless.yaml")
	require.NoError(t, os.WriteFile(nameless, []byte("auctioneers:\n  - url: http://x\n"), 0o644))
	_, err = LoadAuctioneerConfig(nameless)
	require.ErrorIs(t, err, ErrInvalidAuctioneer)
}
