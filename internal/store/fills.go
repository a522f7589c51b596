package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradescout/relay/internal/lifecycle"
)

// chainEpsilon tolerates float residue when comparing consecutive start
// positions.
const chainEpsilon = 1e-9

// Fill is a stored lifecycle trade event row. Hash is the uniqueness key.
type Fill struct {
	ID             int64     `db:"id"`
	Address        string    `db:"address"`
	Asset          string    `db:"asset"`
	At             time.Time `db:"at"`
	Action         string    `db:"action"`
	Size           float64   `db:"size"`
	StartPosition  float64   `db:"start_position"`
	PriceUsd       float64   `db:"price_usd"`
	RealizedPnlUsd *float64  `db:"realized_pnl_usd"`
	Fee            *float64  `db:"fee"`
	FeeToken       *string   `db:"fee_token"`
	Hash           string    `db:"hash"`
	CreatedAt      time.Time `db:"created_at"`
}

// SignedDelta returns the position delta implied by the stored action.
func (f *Fill) SignedDelta() float64 {
	switch lifecycle.Action(f.Action) {
	case lifecycle.OpenLong, lifecycle.IncreaseLong, lifecycle.DecreaseShort, lifecycle.CloseShort:
		return f.Size
	default:
		return -f.Size
	}
}

// ChainGap records one broken link in a position chain.
type ChainGap struct {
	Time     time.Time `json:"time"`
	Expected float64   `json:"expected"`
	Actual   float64   `json:"actual"`
}

// ChainReport is the result of walking one (address, asset) chain.
type ChainReport struct {
	Valid bool       `json:"valid"`
	Gaps  []ChainGap `json:"gaps"`
	Count int        `json:"count"`
}

// BackfillQuery pages stored fills reverse-chronologically.
type BackfillQuery struct {
	Before    *time.Time
	Limit     int
	Addresses []string
}

// BackfillPage is one page of stored fills, newest first.
type BackfillPage struct {
	Fills      []Fill
	HasMore    bool
	OldestTime *time.Time
}

// FillsRepo provides the fill, chain, and price-snapshot queries.
type FillsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFillsRepo creates a fills repository with a per-call query timeout.
func NewFillsRepo(db *sqlx.DB, timeout time.Duration) *FillsRepo {
	return &FillsRepo{db: db, timeout: timeout}
}

const fillColumns = `id, address, asset, at, action, size, start_position, price_usd, realized_pnl_usd, fee, fee_token, hash, created_at`

// InsertFillIfNew inserts a fill keyed on hash. It reports whether a row was
// actually inserted; a duplicate hash is dedup success, not an error.
func (r *FillsRepo) InsertFillIfNew(ctx context.Context, fill Fill) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if fill.Size <= 0 {
		return false, fmt.Errorf("invalid fill size %v for hash %s", fill.Size, fill.Hash)
	}

	query := `
		INSERT INTO fills (address, asset, at, action, size, start_position, price_usd, realized_pnl_usd, fee, fee_token, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		fill.Address, fill.Asset, fill.At, fill.Action, fill.Size,
		fill.StartPosition, fill.PriceUsd, fill.RealizedPnlUsd,
		fill.Fee, fill.FeeToken, fill.Hash)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert fill: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// FillsForChain reads every stored fill for one (address, asset) in time
// order.
func (r *FillsRepo) FillsForChain(ctx context.Context, address, asset string) ([]Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE address = $1 AND asset = $2
		ORDER BY at ASC, id ASC`

	var fills []Fill
	if err := r.db.SelectContext(ctx, &fills, query, address, asset); err != nil {
		return nil, fmt.Errorf("failed to query chain fills: %w", err)
	}
	return fills, nil
}

// ValidatePositionChain walks the stored chain for (address, asset) and
// records every consecutive pair whose start positions do not line up.
func (r *FillsRepo) ValidatePositionChain(ctx context.Context, address, asset string) (ChainReport, error) {
	fills, err := r.FillsForChain(ctx, address, asset)
	if err != nil {
		return ChainReport{}, err
	}
	return WalkChain(fills), nil
}

// WalkChain validates an in-order fill sequence. Exposed so the repairer can
// re-check freshly ingested history without another round trip.
func WalkChain(fills []Fill) ChainReport {
	report := ChainReport{Valid: true, Count: len(fills)}
	for i := 1; i < len(fills); i++ {
		expected := fills[i-1].StartPosition + fills[i-1].SignedDelta()
		actual := fills[i].StartPosition
		if math.Abs(expected-actual) > chainEpsilon*math.Max(1, math.Abs(expected)) {
			report.Valid = false
			report.Gaps = append(report.Gaps, ChainGap{
				Time:     fills[i].At,
				Expected: expected,
				Actual:   actual,
			})
		}
	}
	return report
}

// BackfillFills returns one reverse-chronological page of stored fills.
func (r *FillsRepo) BackfillFills(ctx context.Context, q BackfillQuery) (BackfillPage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `SELECT ` + fillColumns + ` FROM fills WHERE 1=1`
	args := []interface{}{}
	if q.Before != nil {
		args = append(args, *q.Before)
		query += fmt.Sprintf(" AND at < $%d", len(args))
	}
	if len(q.Addresses) > 0 {
		args = append(args, pq.Array(q.Addresses))
		query += fmt.Sprintf(" AND address = ANY($%d)", len(args))
	}
	args = append(args, q.Limit+1)
	query += fmt.Sprintf(" ORDER BY at DESC, id DESC LIMIT $%d", len(args))

	var fills []Fill
	if err := r.db.SelectContext(ctx, &fills, query, args...); err != nil {
		return BackfillPage{}, fmt.Errorf("failed to query backfill fills: %w", err)
	}

	page := BackfillPage{Fills: fills}
	if len(fills) > q.Limit {
		page.Fills = fills[:q.Limit]
		page.HasMore = true
	}
	if n := len(page.Fills); n > 0 {
		oldest := page.Fills[n-1].At
		page.OldestTime = &oldest
	}
	return page, nil
}

// OldestFillTime returns the earliest stored fill time, optionally scoped to
// a set of addresses. Nil means no rows.
func (r *FillsRepo) OldestFillTime(ctx context.Context, addresses []string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		ts  sql.NullTime
		err error
	)
	if len(addresses) > 0 {
		err = r.db.GetContext(ctx, &ts, `SELECT MIN(at) FROM fills WHERE address = ANY($1)`, pq.Array(addresses))
	} else {
		err = r.db.GetContext(ctx, &ts, `SELECT MIN(at) FROM fills`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest fill time: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// ClearFills deletes every fill for one (address, asset) ahead of a chain
// repair backfill.
func (r *FillsRepo) ClearFills(ctx context.Context, address, asset string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM fills WHERE address = $1 AND asset = $2`, address, asset)
	if err != nil {
		return 0, fmt.Errorf("failed to clear fills: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read clear result: %w", err)
	}
	return n, nil
}

// InsertPriceSnapshot appends to the per-minute price series.
func (r *FillsRepo) InsertPriceSnapshot(ctx context.Context, asset string, price float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO price_snapshots (asset, price, minute)
		VALUES ($1, $2, date_trunc('minute', now() AT TIME ZONE 'utc'))
		ON CONFLICT (asset, minute) DO UPDATE SET price = EXCLUDED.price`

	if _, err := r.db.ExecContext(ctx, query, asset, price); err != nil {
		return fmt.Errorf("failed to insert price snapshot: %w", err)
	}
	return nil
}
