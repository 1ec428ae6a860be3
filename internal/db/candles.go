package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// LoadRange returns cached candles for [start, end] inclusive, ascending.
// Together with SaveRange this satisfies the market gateway's store
// contract; the gateway decides whether the returned range is complete.
func (db *DB) LoadRange(ctx context.Context, asset string, tf ohlcv.Timeframe, start, end time.Time) ([]ohlcv.Candle, error) {
	defer track("load_candle_range")()

	query := `
		SELECT open_time, open, high, low, close, volume
		FROM market_candles
		WHERE asset = $1 AND timeframe = $2 AND open_time BETWEEN $3 AND $4
		ORDER BY open_time ASC
	`

	rows, err := db.pool.Query(ctx, query, asset, string(tf), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load candle range: %w", err)
	}
	defer rows.Close()

	var candles []ohlcv.Candle
	for rows.Next() {
		var c ohlcv.Candle
		err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// SaveRange upserts fetched candles into the persistent cache. Re-fetched
// windows overlap, so conflicts on (asset, timeframe, open_time) are
// silently skipped.
func (db *DB) SaveRange(ctx context.Context, asset string, tf ohlcv.Timeframe, candles []ohlcv.Candle) error {
	defer track("save_candle_range")()

	query := `
		INSERT INTO market_candles (asset, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset, timeframe, open_time) DO NOTHING
	`

	for _, c := range candles {
		_, err := db.pool.Exec(ctx, query,
			asset, string(tf), c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return fmt.Errorf("failed to save candle %s: %w", c.Timestamp.Format(time.RFC3339), err)
		}
	}

	log.Debug().
		Str("asset", asset).
		Str("timeframe", string(tf)).
		Int("count", len(candles)).
		Msg("Candle range cached")

	return nil
}
