package mevengine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func memOpp(id byte, kind StrategyKind, status OpportunityStatus, detectedAt time.Time) *Opportunity {
	return &Opportunity{
		ID:         common.Hash{id},
		Kind:       kind,
		Status:     status,
		ValueMon:   100,
		DetectedAt: detectedAt,
	}
}

func TestMemoryStoreInsertAndGet(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	opp := memOpp(1, StrategySandwich, StatusDetected, time.Now())
	require.NoError(t, store.InsertOpportunity(ctx, opp))

	got, err := store.Opportunity(ctx, opp.ID)
	require.NoError(t, err)
	require.Equal(t, opp.ID, got.ID)

	// the store hands out clones
	got.ValueMon = 0
	again, err := store.Opportunity(ctx, opp.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, again.ValueMon, 0)

	_, err = store.Opportunity(ctx, common.Hash{99})
	require.ErrorIs(t, err, ErrOpportunityNotFound)
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	opp := memOpp(1, StrategySandwich, StatusAccepted, time.Now())
	require.NoError(t, store.InsertOpportunity(ctx, opp))
	require.NoError(t, store.UpdateOpportunityStatus(ctx, opp.ID, StatusSubmitted))

	got, err := store.Opportunity(ctx, opp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)

	err = store.UpdateOpportunityStatus(ctx, common.Hash{99}, StatusFailed)
	require.ErrorIs(t, err, ErrOpportunityNotFound)
}

func TestMemoryStoreCapacityEviction(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertOpportunity(ctx, memOpp(1, StrategySandwich, StatusDetected, now)))
	require.NoError(t, store.InsertOpportunity(ctx, memOpp(2, StrategySandwich, StatusDetected, now.Add(time.Second))))
	require.NoError(t, store.InsertOpportunity(ctx, memOpp(3, StrategySandwich, StatusDetected, now.Add(2*time.Second))))

	_, err := store.Opportunity(ctx, common.Hash{1})
	require.ErrorIs(t, err, ErrOpportunityNotFound)
	_, err = store.Opportunity(ctx, common.Hash{3})
	require.NoError(t, err)
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()
	now := time.Now()

	poor := memOpp(1, StrategySandwich, StatusAccepted, now)
	poor.Result = &SimulationResult{NetProfitUSD: 10}
	require.NoError(t, store.InsertOpportunity(ctx, poor))
	require.NoError(t, store.InsertOpportunity(ctx, memOpp(2, StrategyArbitrage, StatusRejected, now.Add(time.Second))))
	rich := memOpp(3, StrategySandwich, StatusAccepted, now.Add(2*time.Second))
	rich.Result = &SimulationResult{NetProfitUSD: 500}
	require.NoError(t, store.InsertOpportunity(ctx, rich))

	// newest first, no filter
	all, err := store.ListOpportunities(ctx, OpportunityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, common.Hash{3}, all[0].ID)
	require.Equal(t, common.Hash{1}, all[2].ID)

	kind := StrategyArbitrage
	byKind, err := store.ListOpportunities(ctx, OpportunityFilter{Kind: &kind})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	require.Equal(t, common.Hash{2}, byKind[0].ID)

	status := StatusAccepted
	byStatus, err := store.ListOpportunities(ctx, OpportunityFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, byStatus, 2)

	// the profit floor drops simulated entries below it; unsimulated
	// entries have no figure to compare and stay in
	profitable, err := store.ListOpportunities(ctx, OpportunityFilter{MinNetProfitUSD: 100})
	require.NoError(t, err)
	require.Len(t, profitable, 2)

	limited, err := store.ListOpportunities(ctx, OpportunityFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, common.Hash{3}, limited[0].ID)
}

func TestMemoryStoreInsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	opp := memOpp(1, StrategySandwich, StatusAccepted, time.Now())
	require.NoError(t, store.InsertOpportunity(ctx, opp))

	dup := memOpp(1, StrategySandwich, StatusRejected, time.Now())
	require.NoError(t, store.InsertOpportunity(ctx, dup))

	got, err := store.Opportunity(ctx, opp.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, got.Status)

	all, err := store.ListOpportunities(ctx, OpportunityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDBWeiToMonString(t *testing.T) {
	require.Equal(t, "1.000000000000000000", dbWeiToMonString(monToWei(1)))
	require.Equal(t, "1.500000000000000000", dbWeiToMonString(big.NewInt(1_500_000_000_000_000_000)))
	require.Equal(t, "0.000000000000000001", dbWeiToMonString(big.NewInt(1)))
}
