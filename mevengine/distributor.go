package mevengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"gopkg.in/yaml.v3"

	"github.com/brick3/mev-engine/metrics"
)

const (
	DefaultPolicyName    = "standard"
	EnterprisePolicyName = "enterprise"

	// accumulated profit below this is not worth the distribution gas
	minDistributionMon = 10
)

// PolicyShare is one recipient's cut in percent.
type PolicyShare struct {
	Recipient string `yaml:"recipient" json:"recipient"`
	Percent   int    `yaml:"percent" json:"percent"`
}

// Policy is a named revenue split. Shares must be non-negative and sum to
// exactly 100.
type Policy struct {
	Name   string        `yaml:"name" json:"name"`
	Shares []PolicyShare `yaml:"shares" json:"shares"`
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidPolicy)
	}
	if len(p.Shares) == 0 {
		return fmt.Errorf("%w: no shares", ErrInvalidPolicy)
	}
	sum := 0
	for _, share := range p.Shares {
		if share.Recipient == "" {
			return fmt.Errorf("%w: missing recipient", ErrInvalidPolicy)
		}
		if share.Percent < 0 {
			return fmt.Errorf("%w: negative share for %s", ErrInvalidPolicy, share.Recipient)
		}
		sum += share.Percent
	}
	if sum != 100 {
		return fmt.Errorf("%w: shares sum to %d, want 100", ErrInvalidPolicy, sum)
	}
	return nil
}

// DefaultPolicies returns the built-in splits: the standard
// holders/treasury/validators split and the enterprise variant.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name: DefaultPolicyName,
			Shares: []PolicyShare{
				{Recipient: "shmon_holders", Percent: 70},
				{Recipient: "brick3_treasury", Percent: 20},
				{Recipient: "validators", Percent: 10},
			},
		},
		{
			Name: EnterprisePolicyName,
			Shares: []PolicyShare{
				{Recipient: "shmon_holders", Percent: 80},
				{Recipient: "brick3_treasury", Percent: 15},
				{Recipient: "validators", Percent: 5},
			},
		},
	}
}

type policiesConfig struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicies parses distribution policies from a yaml file.
func LoadPolicies(file string) ([]Policy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config policiesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	for _, policy := range config.Policies {
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}
	return config.Policies, nil
}

// DistributionStore persists distribution records.
type DistributionStore interface {
	InsertDistribution(ctx context.Context, record *DistributionRecord) error
}

// Distributor splits realized MEV revenue between recipients with wei
// precision and tracks accumulated profit until it clears the payout
// threshold.
type Distributor struct {
	log      *zap.Logger
	store    DistributionStore
	prices   PriceOracle
	policies map[string]Policy

	mu         sync.Mutex
	pendingWei *big.Int
}

func NewDistributor(log *zap.Logger, store DistributionStore, prices PriceOracle, policies []Policy) (*Distributor, error) {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	byName := make(map[string]Policy, len(policies))
	for _, policy := range policies {
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		byName[policy.Name] = policy
	}
	return &Distributor{
		log:        log.Named("distributor"),
		store:      store,
		prices:     prices,
		policies:   byName,
		pendingWei: new(big.Int),
	}, nil
}

func (d *Distributor) Policy(name string) (Policy, error) {
	policy, ok := d.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return policy, nil
}

// Split divides totalWei across the policy's shares. Every share except
// the last rounds half-to-even; the last takes the exact remainder, so the
// shares always sum to totalWei.
func (d *Distributor) Split(policyName string, totalWei *big.Int) (*DistributionRecord, error) {
	policy, err := d.Policy(policyName)
	if err != nil {
		return nil, err
	}
	if totalWei == nil || totalWei.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	monUSD := d.prices.USD("MON")
	record := &DistributionRecord{
		Policy:    policy.Name,
		TotalWei:  new(big.Int).Set(totalWei),
		TotalUSD:  weiToMon(totalWei) * monUSD,
		Shares:    make([]ShareAmount, 0, len(policy.Shares)),
		CreatedAt: time.Now().UTC(),
	}

	remainder := new(big.Int).Set(totalWei)
	for i, share := range policy.Shares {
		var amount *big.Int
		if i == len(policy.Shares)-1 {
			amount = new(big.Int).Set(remainder)
		} else {
			amount = roundHalfEven(new(big.Int).Mul(totalWei, big.NewInt(int64(share.Percent))), 100)
			if amount.Cmp(remainder) > 0 {
				amount.Set(remainder)
			}
		}
		remainder.Sub(remainder, amount)
		record.Shares = append(record.Shares, ShareAmount{
			Recipient: share.Recipient,
			Percent:   share.Percent,
			AmountWei: amount,
			AmountUSD: weiToMon(amount) * monUSD,
		})
	}
	record.ID = distributionID(record)
	return record, nil
}

// Record accumulates realized profit. Once the pending balance clears the
// payout threshold it is distributed under the given policy and persisted;
// below the threshold Record returns (nil, nil).
func (d *Distributor) Record(ctx context.Context, policyName string, profitWei *big.Int) (*DistributionRecord, error) {
	if profitWei == nil || profitWei.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := d.Policy(policyName); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.pendingWei.Add(d.pendingWei, profitWei)
	if weiToMon(d.pendingWei) < minDistributionMon {
		d.mu.Unlock()
		return nil, nil
	}
	payout := new(big.Int).Set(d.pendingWei)
	d.pendingWei.SetInt64(0)
	d.mu.Unlock()

	return d.distribute(ctx, policyName, payout)
}

// ForceDistribute drains the pending balance under the given policy
// regardless of the payout threshold, e.g. at shutdown. A zero pending
// balance returns (nil, nil).
func (d *Distributor) ForceDistribute(ctx context.Context, policyName string) (*DistributionRecord, error) {
	if _, err := d.Policy(policyName); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.pendingWei.Sign() <= 0 {
		d.mu.Unlock()
		return nil, nil
	}
	payout := new(big.Int).Set(d.pendingWei)
	d.pendingWei.SetInt64(0)
	d.mu.Unlock()

	return d.distribute(ctx, policyName, payout)
}

func (d *Distributor) distribute(ctx context.Context, policyName string, payout *big.Int) (*DistributionRecord, error) {
	record, err := d.Split(policyName, payout)
	if err != nil {
		return nil, err
	}
	if d.store != nil {
		if err := d.store.InsertDistribution(ctx, record); err != nil {
			// put the payout back so the revenue is not lost
			d.mu.Lock()
			d.pendingWei.Add(d.pendingWei, payout)
			d.mu.Unlock()
			return nil, err
		}
	}
	metrics.IncDistributions()
	d.log.Info("Distributed revenue",
		zap.String("policy", record.Policy),
		zap.String("totalWei", record.TotalWei.String()),
		zap.Int("shares", len(record.Shares)))
	return record, nil
}

// PendingWei is the undistributed accumulated profit.
func (d *Distributor) PendingWei() *big.Int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return new(big.Int).Set(d.pendingWei)
}

// EstimateAPYBoost projects the APY uplift for shMON holders from daily
// MEV volume: the holder share of daily revenue, annualized over the TVL,
// in percent.
func (d *Distributor) EstimateAPYBoost(policyName string, dailyRevenueUSD, tvlUSD float64) (float64, error) {
	if dailyRevenueUSD < 0 || tvlUSD <= 0 {
		return 0, ErrInvalidAmount
	}
	policy, err := d.Policy(policyName)
	if err != nil {
		return 0, err
	}
	holderPct := 0
	for _, share := range policy.Shares {
		if share.Recipient == "shmon_holders" {
			holderPct = share.Percent
			break
		}
	}
	holderDaily := dailyRevenueUSD * float64(holderPct) / 100
	return holderDaily * 365 / tvlUSD * 100, nil
}

// roundHalfEven divides num by denom rounding half to even.
func roundHalfEven(num *big.Int, denom int64) *big.Int {
	d := big.NewInt(denom)
	q, r := new(big.Int).QuoRem(num, d, new(big.Int))
	twice := new(big.Int).Lsh(r, 1)
	switch twice.Cmp(d) {
	case 1:
		q.Add(q, big.NewInt(1))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

func distributionID(record *DistributionRecord) common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(record.CreatedAt.UnixNano()))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(record.Policy))
	h.Write(record.TotalWei.Bytes())
	h.Write(ts[:])
	return common.BytesToHash(h.Sum(nil))
}
