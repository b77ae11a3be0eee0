package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Concurrent writers are detected through the listings.version column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the listings and auction_bids tables if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, owner_id, credit_id, kind, price_per_unit, minimum_bid, quantity,
		                       status, created_at, closed_at, auction_end_time, winner_id, final_price, version)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13::NUMERIC, 0)`,
		l.ID, l.OwnerID, l.CreditID, string(l.Kind),
		l.PricePerUnit.String(), l.MinimumBid.String(), l.Quantity.String(),
		string(l.Status), l.CreatedAt, l.ClosedAt, nullableTime(l.AuctionEndTime),
		l.WinnerID, l.FinalPrice.String(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create listing %s: %w", l.ID, err)
	}
	l.Version = 0
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	var l model.Listing
	var kind, status string
	var pricePerUnit, minimumBid, quantity, finalPrice string
	var endTime *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, credit_id, kind,
		        price_per_unit::TEXT, minimum_bid::TEXT, quantity::TEXT,
		        status, created_at, closed_at, auction_end_time,
		        winner_id, final_price::TEXT, version
		 FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.OwnerID, &l.CreditID, &kind,
			&pricePerUnit, &minimumBid, &quantity,
			&status, &l.CreatedAt, &l.ClosedAt, &endTime,
			&l.WinnerID, &finalPrice, &l.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}

	l.Kind = model.ListingKind(kind)
	l.Status = model.ListingStatus(status)
	l.PricePerUnit, _ = decimal.NewFromString(pricePerUnit)
	l.MinimumBid, _ = decimal.NewFromString(minimumBid)
	l.Quantity, _ = decimal.NewFromString(quantity)
	l.FinalPrice, _ = decimal.NewFromString(finalPrice)
	if endTime != nil {
		l.AuctionEndTime = endTime.UTC()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, listing_id, bidder_id, amount::TEXT, bid_time, status
		 FROM auction_bids WHERE listing_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("get bids for listing %s: %w", id, err)
	}
	defer rows.Close()

	l.Bids, err = scanBids(rows)
	if err != nil {
		return nil, fmt.Errorf("scan bids for listing %s: %w", id, err)
	}
	return &l, nil
}

func (s *PostgresStore) SaveListing(ctx context.Context, l *model.Listing) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE listings
			 SET status = $2, closed_at = $3, winner_id = $4, final_price = $5::NUMERIC,
			     version = version + 1
			 WHERE id = $1 AND version = $6`,
			l.ID, string(l.Status), l.ClosedAt, l.WinnerID, l.FinalPrice.String(), l.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, l.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrVersionConflict
		}

		// Bids are append-only; an existing row only ever changes status.
		for i, b := range l.Bids {
			if _, err := tx.Exec(ctx,
				`INSERT INTO auction_bids (id, listing_id, seq, bidder_id, amount, bid_time, status)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
				 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
				b.ID, l.ID, i, b.BidderID, b.Amount.String(), b.BidTime, string(b.Status),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("save listing %s: %w", l.ID, err)
	}

	l.Version++
	return nil
}

func (s *PostgresStore) ListExpiredAuctions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM listings
		 WHERE kind = $1 AND status = $2 AND auction_end_time <= $3
		 ORDER BY auction_end_time`,
		string(model.KindAuction), string(model.StatusOpen), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// pgxRows is the subset of pgx.Rows used by scanBids.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanBids(rows pgxRows) ([]model.Bid, error) {
	var bids []model.Bid
	for rows.Next() {
		var b model.Bid
		var amount, status string
		if err := rows.Scan(&b.ID, &b.ListingID, &b.BidderID, &amount, &b.BidTime, &status); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amount)
		b.Status = model.BidStatus(status)
		b.BidTime = b.BidTime.UTC()
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
