package mevengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brick3/mev-engine/jsonrpcserver"
)

var ErrRateLimited = errors.New("simulation rate limit exceeded")

const (
	simRateLimit     = rate.Limit(50)
	simRateBurst     = 100
	listCacheTime    = time.Second
	listCacheCleanup = 10 * time.Second
	maxListLimit     = 500
)

// API is the engine's JSON RPC surface. It owns no bot state; everything
// is delegated to the controller, simulator and distributor it wraps.
type API struct {
	log         *zap.Logger
	rootCtx     context.Context
	controller  *BotController
	simulator   *Simulator
	distributor *Distributor
	store       OpportunityStore
	monitor     *Monitor

	simLimiter *rate.Limiter
	listCache  *gocache.Cache
}

// NewAPI wires the RPC surface. rootCtx scopes started bots, so a bot
// outlives the request that started it but not the engine.
func NewAPI(
	rootCtx context.Context,
	log *zap.Logger,
	controller *BotController,
	simulator *Simulator,
	distributor *Distributor,
	store OpportunityStore,
	monitor *Monitor,
) *API {
	return &API{
		log:         log.Named("api"),
		rootCtx:     rootCtx,
		controller:  controller,
		simulator:   simulator,
		distributor: distributor,
		store:       store,
		monitor:     monitor,
		simLimiter:  rate.NewLimiter(simRateLimit, simRateBurst),
		listCache:   gocache.New(listCacheTime, listCacheCleanup),
	}
}

// Handler builds the http.Handler exposing all engine methods.
func (a *API) Handler() (http.Handler, error) {
	return jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		"mev_startBot":              a.StartBot,
		"mev_stopBot":               a.StopBot,
		"mev_stopAllBots":           a.StopAllBots,
		"mev_configureBot":          a.ConfigureBot,
		"mev_botStatus":             a.BotStatus,
		"mev_simulateSandwich":      a.SimulateSandwich,
		"mev_simulateArbitrage":     a.SimulateArbitrage,
		"mev_calculateDistribution": a.CalculateDistribution,
		"mev_estimateApy":           a.EstimateAPY,
		"mev_getOpportunities":      a.GetOpportunities,
	})
}

func (a *API) StartBot(_ context.Context, kind string) error {
	parsed, err := ParseStrategyKind(kind)
	if err != nil {
		return err
	}
	// bots live on the engine context, not the request context
	return a.controller.StartBot(a.rootCtx, parsed)
}

func (a *API) StopBot(_ context.Context, kind string) error {
	parsed, err := ParseStrategyKind(kind)
	if err != nil {
		return err
	}
	return a.controller.StopBot(parsed)
}

func (a *API) StopAllBots(_ context.Context) error {
	a.controller.StopAllBots()
	return nil
}

type ConfigureBotArgs struct {
	Kind   string    `json:"kind"`
	Config BotConfig `json:"config"`
}

func (a *API) ConfigureBot(_ context.Context, args ConfigureBotArgs) error {
	parsed, err := ParseStrategyKind(args.Kind)
	if err != nil {
		return err
	}
	return a.controller.ConfigureBot(parsed, args.Config)
}

func (a *API) BotStatus(_ context.Context) ([]BotStatus, error) {
	return a.controller.StatusAll(), nil
}

type SimulateSandwichArgs struct {
	VictimValueMon float64 `json:"victimValueMon"`
}

func (a *API) SimulateSandwich(_ context.Context, args SimulateSandwichArgs) (*SimulationResult, error) {
	if !a.simLimiter.Allow() {
		return nil, ErrRateLimited
	}
	return a.simulator.SandwichQuote(args.VictimValueMon)
}

type SimulateArbitrageArgs struct {
	AmountMon float64 `json:"amountMon"`
	Hops      int     `json:"hops"`
	EdgePct   float64 `json:"edgePct"`
}

func (a *API) SimulateArbitrage(_ context.Context, args SimulateArbitrageArgs) (*SimulationResult, error) {
	if !a.simLimiter.Allow() {
		return nil, ErrRateLimited
	}
	hops := args.Hops
	if hops == 0 {
		hops = 2
	}
	return a.simulator.ArbitrageQuote(args.AmountMon, hops, args.EdgePct)
}

type CalculateDistributionArgs struct {
	Policy   string  `json:"policy"`
	TotalMon float64 `json:"totalMon"`
}

// DistributionShare is one recipient's cut in the response breakdown.
type DistributionShare struct {
	Percentage int     `json:"percentage"`
	AmountMon  float64 `json:"amountMon"`
	AmountUSD  float64 `json:"amountUsd"`
}

// DistributionSummary is the MON-denominated view of a distribution,
// keyed by recipient.
type DistributionSummary struct {
	Policy         string                       `json:"policy"`
	TotalProfitMon float64                      `json:"totalProfitMon"`
	TotalProfitUSD float64                      `json:"totalProfitUsd"`
	Breakdown      map[string]DistributionShare `json:"breakdown"`
	CreatedAt      time.Time                    `json:"createdAt"`
}

func (a *API) CalculateDistribution(_ context.Context, args CalculateDistributionArgs) (*DistributionSummary, error) {
	policy := args.Policy
	if policy == "" {
		policy = DefaultPolicyName
	}
	if args.TotalMon <= 0 {
		return nil, ErrInvalidAmount
	}
	record, err := a.distributor.Split(policy, monToWei(args.TotalMon))
	if err != nil {
		return nil, err
	}
	summary := &DistributionSummary{
		Policy:         record.Policy,
		TotalProfitMon: weiToMon(record.TotalWei),
		TotalProfitUSD: record.TotalUSD,
		Breakdown:      make(map[string]DistributionShare, len(record.Shares)),
		CreatedAt:      record.CreatedAt,
	}
	for _, share := range record.Shares {
		summary.Breakdown[share.Recipient] = DistributionShare{
			Percentage: share.Percent,
			AmountMon:  weiToMon(share.AmountWei),
			AmountUSD:  share.AmountUSD,
		}
	}
	return summary, nil
}

type EstimateAPYArgs struct {
	Policy          string  `json:"policy"`
	DailyRevenueUSD float64 `json:"dailyRevenueUsd"`
	TVLUSD          float64 `json:"tvlUsd"`
}

func (a *API) EstimateAPY(_ context.Context, args EstimateAPYArgs) (float64, error) {
	policy := args.Policy
	if policy == "" {
		policy = DefaultPolicyName
	}
	return a.distributor.EstimateAPYBoost(policy, args.DailyRevenueUSD, args.TVLUSD)
}

type GetOpportunitiesArgs struct {
	Kind         string  `json:"kind,omitempty"`
	Status       string  `json:"status,omitempty"`
	MinProfitUSD float64 `json:"minProfitUsd,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

func (a *API) GetOpportunities(ctx context.Context, args GetOpportunitiesArgs) ([]*Opportunity, error) {
	filter := OpportunityFilter{
		MinNetProfitUSD: args.MinProfitUSD,
		Limit:           args.Limit,
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if args.Kind != "" {
		kind, err := ParseStrategyKind(args.Kind)
		if err != nil {
			return nil, err
		}
		filter.Kind = &kind
	}
	if args.Status != "" {
		status, err := ParseOpportunityStatus(args.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = &status
	}

	// identical list queries within the cache window share one result
	key := fmt.Sprintf("%s|%s|%g|%d", args.Kind, args.Status, args.MinProfitUSD, filter.Limit)
	if cached, ok := a.listCache.Get(key); ok {
		//nolint:forcetypeassert
		return cached.([]*Opportunity), nil
	}
	out, err := a.store.ListOpportunities(ctx, filter)
	if err != nil {
		return nil, err
	}
	a.listCache.Set(key, out, listCacheTime)
	return out, nil
}

// HealthHandler reports node backend health, for load balancer checks.
func (a *API) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := map[string]any{
			"healthy":      a.monitor.Healthy(),
			"currentBlock": a.monitor.CurrentBlock(),
		}
		if !a.monitor.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
