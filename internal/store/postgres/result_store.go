package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL. A day is
// keyed by its delivery date; saving a date again replaces the previous run.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a new ResultStore backed by the given connection pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

var bidColumns = []string{
	"delivery_date", "bid_id", "ref", "hour", "price", "volume",
	"direction", "category", "startup_cost", "accepted_volume",
}

// SaveDay writes the header, hourly outcomes, bids and blocks of result in
// a single transaction. Bids are streamed with COPY.
func (s *ResultStore) SaveDay(ctx context.Context, result *domain.DayResult) error {
	day := dateOnly(result.Date)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Cascades to hours, bids and blocks.
		if _, err := tx.Exec(ctx, `DELETE FROM cleared_days WHERE delivery_date = $1`, day); err != nil {
			return fmt.Errorf("delete previous run: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cleared_days (delivery_date, run_id, rounds, dropped, cleared_at)
			VALUES ($1, $2, $3, $4, $5)`,
			day, result.RunID, result.Rounds, result.Dropped, result.ClearedAt,
		); err != nil {
			return fmt.Errorf("insert day: %w", err)
		}

		batch := &pgx.Batch{}
		for _, o := range result.Hours {
			batch.Queue(`
				INSERT INTO hour_outcomes (
					delivery_date, hour, price, volume, kind, marginal_sell_ids, marginal_ask_ids
				) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				day, o.Hour, nullFloat(o.Price), nullFloat(o.Volume), string(o.Kind),
				toInt64s(o.MarginalSellIDs), toInt64s(o.MarginalAskIDs),
			)
		}
		for _, b := range result.Blocks {
			batch.Queue(`
				INSERT INTO block_results (
					delivery_date, block_id, ref, price, volume, direction, category,
					start_hour, length, accepted, unresolvable, accepted_volume
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				day, b.ID, b.Ref, b.Price, b.Volume, string(b.Direction), string(b.Category),
				b.StartHour, b.Length, b.Accepted, b.Unresolvable, b.AcceptedVolume,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert hours and blocks: %w", err)
		}

		if len(result.Bids) == 0 {
			return nil
		}
		rows := make([][]any, len(result.Bids))
		for i, b := range result.Bids {
			rows[i] = []any{
				day, b.ID, b.Ref, b.Hour, b.Price, b.Volume,
				string(b.Direction), string(b.Category), b.StartupCost, b.AcceptedVolume,
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"bid_results"}, bidColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy bids: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: save day %s: %w", day.Format(time.DateOnly), err)
	}
	return nil
}

// GetDay loads a full cleared day. It returns domain.ErrNotFound when the
// date has not been cleared.
func (s *ResultStore) GetDay(ctx context.Context, date time.Time) (*domain.DayResult, error) {
	day := dateOnly(date)
	res := &domain.DayResult{Date: day}

	err := s.pool.QueryRow(ctx, `
		SELECT run_id::text, rounds, dropped, cleared_at
		FROM cleared_days WHERE delivery_date = $1`, day,
	).Scan(&res.RunID, &res.Rounds, &res.Dropped, &res.ClearedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get day %s: %w", day.Format(time.DateOnly), err)
	}

	if res.Hours, err = s.hours(ctx, day); err != nil {
		return nil, err
	}
	if res.Bids, err = s.bids(ctx, day); err != nil {
		return nil, err
	}
	if res.Blocks, err = s.blocks(ctx, day); err != nil {
		return nil, err
	}
	return res, nil
}

const hourSelect = `SELECT hour, price, volume, kind, marginal_sell_ids, marginal_ask_ids FROM hour_outcomes`

func scanHour(row pgx.Row) (domain.HourOutcome, error) {
	var (
		o             domain.HourOutcome
		price, volume *float64
		kind          string
		sellIDs       []int64
		askIDs        []int64
	)
	if err := row.Scan(&o.Hour, &price, &volume, &kind, &sellIDs, &askIDs); err != nil {
		return o, err
	}
	o.Price = fromNull(price)
	o.Volume = fromNull(volume)
	o.Kind = domain.OutcomeKind(kind)
	o.MarginalSellIDs = toInts(sellIDs)
	o.MarginalAskIDs = toInts(askIDs)
	return o, nil
}

func (s *ResultStore) hours(ctx context.Context, day time.Time) ([]domain.HourOutcome, error) {
	rows, err := s.pool.Query(ctx, hourSelect+` WHERE delivery_date = $1 ORDER BY hour`, day)
	if err != nil {
		return nil, fmt.Errorf("postgres: list hours: %w", err)
	}
	defer rows.Close()

	var out []domain.HourOutcome
	for rows.Next() {
		o, err := scanHour(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan hour: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetHour loads one hourly outcome.
func (s *ResultStore) GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error) {
	day := dateOnly(date)
	o, err := scanHour(s.pool.QueryRow(ctx, hourSelect+` WHERE delivery_date = $1 AND hour = $2`, day, hour))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HourOutcome{}, domain.ErrNotFound
		}
		return domain.HourOutcome{}, fmt.Errorf("postgres: get hour %s/%d: %w", day.Format(time.DateOnly), hour, err)
	}
	return o, nil
}

func (s *ResultStore) bids(ctx context.Context, day time.Time) ([]domain.Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bid_id, ref, hour, price, volume, direction, category, startup_cost, accepted_volume
		FROM bid_results WHERE delivery_date = $1 ORDER BY bid_id`, day)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids: %w", err)
	}
	defer rows.Close()

	var out []domain.Bid
	for rows.Next() {
		var (
			b        domain.Bid
			dir, cat string
		)
		if err := rows.Scan(&b.ID, &b.Ref, &b.Hour, &b.Price, &b.Volume, &dir, &cat,
			&b.StartupCost, &b.AcceptedVolume); err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		b.Direction = domain.Direction(dir)
		b.Category = domain.Category(cat)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *ResultStore) blocks(ctx context.Context, day time.Time) ([]domain.BlockBid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT block_id, ref, price, volume, direction, category,
		       start_hour, length, accepted, unresolvable, accepted_volume
		FROM block_results WHERE delivery_date = $1 ORDER BY block_id`, day)
	if err != nil {
		return nil, fmt.Errorf("postgres: list blocks: %w", err)
	}
	defer rows.Close()

	var out []domain.BlockBid
	for rows.Next() {
		var (
			b        domain.BlockBid
			dir, cat string
		)
		if err := rows.Scan(&b.ID, &b.Ref, &b.Price, &b.Volume, &dir, &cat,
			&b.StartHour, &b.Length, &b.Accepted, &b.Unresolvable, &b.AcceptedVolume); err != nil {
			return nil, fmt.Errorf("postgres: scan block: %w", err)
		}
		b.Direction = domain.Direction(dir)
		b.Category = domain.Category(cat)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListDays returns day headers, newest delivery date first.
func (s *ResultStore) ListDays(ctx context.Context, opts domain.ListOpts) ([]domain.DaySummary, error) {
	query := `
		SELECT d.delivery_date, d.run_id::text, d.rounds, d.cleared_at,
		       (SELECT COUNT(*) FROM bid_results b WHERE b.delivery_date = d.delivery_date),
		       (SELECT COUNT(*) FROM block_results k WHERE k.delivery_date = d.delivery_date),
		       (SELECT COUNT(*) FROM block_results k WHERE k.delivery_date = d.delivery_date AND k.accepted)
		FROM cleared_days d WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND d.delivery_date >= $%d", argIdx)
		args = append(args, dateOnly(*opts.Since))
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND d.delivery_date <= $%d", argIdx)
		args = append(args, dateOnly(*opts.Until))
		argIdx++
	}

	query += " ORDER BY d.delivery_date DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list days: %w", err)
	}
	defer rows.Close()

	var out []domain.DaySummary
	for rows.Next() {
		var d domain.DaySummary
		if err := rows.Scan(&d.Date, &d.RunID, &d.Rounds, &d.ClearedAt,
			&d.BidCount, &d.BlockCount, &d.Accepted); err != nil {
			return nil, fmt.Errorf("postgres: scan day: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list days rows: %w", err)
	}
	return out, nil
}

// Exists reports whether date has been cleared.
func (s *ResultStore) Exists(ctx context.Context, date time.Time) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM cleared_days WHERE delivery_date = $1)`, dateOnly(date),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: day exists: %w", err)
	}
	return ok, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// nullFloat maps NaN to SQL NULL.
func nullFloat(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func fromNull(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func toInts(ids []int64) []int {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
