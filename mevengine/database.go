package mevengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// OpportunityFilter narrows ListOpportunities. Zero values mean no
// constraint; Limit 0 falls back to a server-side default.
type OpportunityFilter struct {
	Kind            *StrategyKind
	Status          *OpportunityStatus
	MinNetProfitUSD float64
	Limit           int
}

const defaultListLimit = 100

// OpportunityStore persists the opportunity lifecycle. Listings are
// ordered by detection time, newest first.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, opp *Opportunity) error
	UpdateOpportunityStatus(ctx context.Context, id common.Hash, status OpportunityStatus) error
	Opportunity(ctx context.Context, id common.Hash) (*Opportunity, error)
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]*Opportunity, error)
}

type DBOpportunity struct {
	ID           []byte          `db:"id"`
	Kind         string          `db:"kind"`
	Status       string          `db:"status"`
	TargetHash   []byte          `db:"target_hash"`
	Pool         []byte          `db:"pool"`
	ValueMon     float64         `db:"value_mon"`
	FrontrunMon  float64         `db:"frontrun_mon"`
	NetProfitUSD sql.NullFloat64 `db:"net_profit_usd"`
	Confidence   sql.NullFloat64 `db:"confidence"`
	BlockSeen    int64           `db:"block_seen"`
	DetectedAt   time.Time       `db:"detected_at"`
	Body         []byte          `db:"body"`
	InsertedAt   time.Time       `db:"inserted_at"`
}

var insertOpportunityQuery = `
INSERT INTO mev_opportunity (id, kind, status, target_hash, pool, value_mon, frontrun_mon,
                             net_profit_usd, confidence, block_seen, detected_at, body)
VALUES (:id, :kind, :status, :target_hash, :pool, :value_mon, :frontrun_mon,
        :net_profit_usd, :confidence, :block_seen, :detected_at, :body)
ON CONFLICT (id) DO NOTHING`

var updateOpportunityStatusQuery = `
UPDATE mev_opportunity SET status = $2, body = jsonb_set(body::jsonb, '{status}', to_jsonb($2::text))::json
WHERE id = $1`

var getOpportunityQuery = `
SELECT body FROM mev_opportunity WHERE id = $1`

var listOpportunitiesQuery = `
SELECT body FROM mev_opportunity
WHERE ($1::text IS NULL OR kind = $1)
  AND ($2::text IS NULL OR status = $2)
  AND (net_profit_usd IS NULL OR net_profit_usd >= $3)
ORDER BY detected_at DESC
LIMIT $4`

type DBDistribution struct {
	ID        []byte    `db:"id"`
	Policy    string    `db:"policy"`
	TotalWei  string    `db:"total_wei"`
	Shares    []byte    `db:"shares"`
	CreatedAt time.Time `db:"created_at"`
}

var insertDistributionQuery = `
INSERT INTO mev_distribution (id, policy, total_wei, shares, created_at)
VALUES (:id, :policy, :total_wei, :shares, :created_at)
ON CONFLICT (id) DO NOTHING`

// DBBackend stores opportunities and distributions in postgres.
type DBBackend struct {
	db *sqlx.DB

	insertOpportunity *sqlx.NamedStmt
	updateStatus      *sqlx.Stmt
	getOpportunity    *sqlx.Stmt
	listOpportunities *sqlx.Stmt
	insertDist        *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertOpportunity, err := db.PrepareNamed(insertOpportunityQuery)
	if err != nil {
		return nil, err
	}
	updateStatus, err := db.Preparex(updateOpportunityStatusQuery)
	if err != nil {
		return nil, err
	}
	getOpportunity, err := db.Preparex(getOpportunityQuery)
	if err != nil {
		return nil, err
	}
	listOpportunities, err := db.Preparex(listOpportunitiesQuery)
	if err != nil {
		return nil, err
	}
	insertDist, err := db.PrepareNamed(insertDistributionQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                db,
		insertOpportunity: insertOpportunity,
		updateStatus:      updateStatus,
		getOpportunity:    getOpportunity,
		listOpportunities: listOpportunities,
		insertDist:        insertDist,
	}, nil
}

func (b *DBBackend) InsertOpportunity(ctx context.Context, opp *Opportunity) error {
	body, err := json.Marshal(opp)
	if err != nil {
		return err
	}
	dbOpp := DBOpportunity{
		ID:          opp.ID.Bytes(),
		Kind:        opp.Kind.String(),
		Status:      opp.Status.String(),
		Pool:        opp.Pool.Bytes(),
		ValueMon:    opp.ValueMon,
		FrontrunMon: opp.FrontrunMon,
		BlockSeen:   int64(opp.BlockSeen),
		DetectedAt:  opp.DetectedAt,
		Body:        body,
	}
	if opp.Target != nil {
		dbOpp.TargetHash = opp.Target.Hash.Bytes()
	}
	if opp.Result != nil {
		dbOpp.NetProfitUSD = sql.NullFloat64{Float64: opp.Result.NetProfitUSD, Valid: true}
		dbOpp.Confidence = sql.NullFloat64{Float64: opp.Result.Confidence, Valid: true}
	}
	_, err = b.insertOpportunity.ExecContext(ctx, dbOpp)
	return err
}

func (b *DBBackend) UpdateOpportunityStatus(ctx context.Context, id common.Hash, status OpportunityStatus) error {
	_, err := b.updateStatus.ExecContext(ctx, id.Bytes(), status.String())
	return err
}

func (b *DBBackend) Opportunity(ctx context.Context, id common.Hash) (*Opportunity, error) {
	var body []byte
	err := b.getOpportunity.GetContext(ctx, &body, id.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOpportunityNotFound
	} else if err != nil {
		return nil, err
	}
	var opp Opportunity
	if err := json.Unmarshal(body, &opp); err != nil {
		return nil, err
	}
	return &opp, nil
}

func (b *DBBackend) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]*Opportunity, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var kind, status sql.NullString
	if filter.Kind != nil {
		kind = sql.NullString{String: filter.Kind.String(), Valid: true}
	}
	if filter.Status != nil {
		status = sql.NullString{String: filter.Status.String(), Valid: true}
	}

	var bodies [][]byte
	err := b.listOpportunities.SelectContext(ctx, &bodies, kind, status, filter.MinNetProfitUSD, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Opportunity, 0, len(bodies))
	for _, body := range bodies {
		var opp Opportunity
		if err := json.Unmarshal(body, &opp); err != nil {
			return nil, err
		}
		out = append(out, &opp)
	}
	return out, nil
}

func (b *DBBackend) InsertDistribution(ctx context.Context, record *DistributionRecord) error {
	shares, err := json.Marshal(record.Shares)
	if err != nil {
		return err
	}
	dbDist := DBDistribution{
		ID:        record.ID.Bytes(),
		Policy:    record.Policy,
		TotalWei:  dbWeiToMonString(record.TotalWei),
		Shares:    shares,
		CreatedAt: record.CreatedAt,
	}
	_, err = b.insertDist.ExecContext(ctx, dbDist)
	return err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

var monToWeiRat = big.NewInt(1e18)

func dbWeiToMonString(wei *big.Int) string {
	return new(big.Rat).SetFrac(wei, monToWeiRat).FloatString(18)
}

// MemoryStore keeps the most recent opportunities and all distributions in
// memory, for tests and redis-less single-process runs. Capacity evicts
// oldest first.
type MemoryStore struct {
	mu            sync.Mutex
	capacity      int
	order         []common.Hash
	opportunities map[common.Hash]*Opportunity
	distributions []*DistributionRecord
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{
		capacity:      capacity,
		opportunities: make(map[common.Hash]*Opportunity),
	}
}

func (m *MemoryStore) InsertOpportunity(_ context.Context, opp *Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opportunities[opp.ID]; ok {
		return nil
	}
	if len(m.order) >= m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.opportunities, oldest)
	}
	clone := *opp
	m.opportunities[opp.ID] = &clone
	m.order = append(m.order, opp.ID)
	return nil
}

func (m *MemoryStore) UpdateOpportunityStatus(_ context.Context, id common.Hash, status OpportunityStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	opp, ok := m.opportunities[id]
	if !ok {
		return ErrOpportunityNotFound
	}
	opp.Status = status
	return nil
}

func (m *MemoryStore) Opportunity(_ context.Context, id common.Hash) (*Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opp, ok := m.opportunities[id]
	if !ok {
		return nil, ErrOpportunityNotFound
	}
	clone := *opp
	return &clone, nil
}

func (m *MemoryStore) ListOpportunities(_ context.Context, filter OpportunityFilter) ([]*Opportunity, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Opportunity, 0, limit)
	for _, id := range m.order {
		opp := m.opportunities[id]
		if filter.Kind != nil && opp.Kind != *filter.Kind {
			continue
		}
		if filter.Status != nil && opp.Status != *filter.Status {
			continue
		}
		if filter.MinNetProfitUSD > 0 && opp.Result != nil && opp.Result.NetProfitUSD < filter.MinNetProfitUSD {
			continue
		}
		clone := *opp
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertDistribution(_ context.Context, record *DistributionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributions = append(m.distributions, record)
	return nil
}

// Distributions returns all recorded distributions, oldest first.
func (m *MemoryStore) Distributions() []*DistributionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DistributionRecord, len(m.distributions))
	copy(out, m.distributions)
	return out
}
