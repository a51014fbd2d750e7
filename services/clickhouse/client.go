// Package clickhouse loads candle series from ClickHouse and exports closed
// trades into it.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/services/market"
)

// Bar is one stored candle row.
type Bar struct {
	Symbol     string
	Timestamp  uint64 // open time, ms
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount uint32
}

// Candle converts the row to the simulation's candle type.
func (b Bar) Candle() market.Candle {
	return market.Candle{
		Time:   time.UnixMilli(int64(b.Timestamp)).UTC(),
		Open:   b.Open.InexactFloat64(),
		High:   b.High.InexactFloat64(),
		Low:    b.Low.InexactFloat64(),
		Close:  b.Close.InexactFloat64(),
		Volume: b.Volume.IntPart(),
	}
}

// BarFromCandle is the inverse of Bar.Candle.
func BarFromCandle(symbol string, c market.Candle) Bar {
	return Bar{
		Symbol:    symbol,
		Timestamp: uint64(c.Time.UnixMilli()),
		Open:      decimal.NewFromFloat(c.Open),
		High:      decimal.NewFromFloat(c.High),
		Low:       decimal.NewFromFloat(c.Low),
		Close:     decimal.NewFromFloat(c.Close),
		Volume:    decimal.NewFromInt(c.Volume),
	}
}

// MarketData is a bar series for one symbol.
type MarketData struct {
	Symbol string
	Bars   []Bar
}

// Candles converts every bar.
func (m *MarketData) Candles() []market.Candle {
	out := make([]market.Candle, len(m.Bars))
	for i, b := range m.Bars {
		out[i] = b.Candle()
	}
	return out
}

// Client reads and writes the candle table over the native protocol.
type Client struct {
	conn   clickhouse.Conn
	cfg    config.ClickHouseConfig
	logger *zap.Logger
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	logger.Info("Connected to ClickHouse", zap.String("addr", cfg.Addr), zap.String("database", cfg.Database))
	return &Client{conn: conn, cfg: cfg, logger: logger}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) table() string { return c.cfg.Database + "." + c.cfg.CandleTable }

// EnsureSchema creates the database and candle table when missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.cfg.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol LowCardinality(String),
			open_time_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			trades UInt32,
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, open_time_ms)
	`, c.table())
	return c.conn.Exec(ctx, ddl)
}

// LoadBars returns bars for symbol with from <= open time <= to, ascending.
func (c *Client) LoadBars(ctx context.Context, symbol string, from, to time.Time) (*MarketData, error) {
	query := fmt.Sprintf(`
		SELECT symbol, open_time_ms, open, high, low, close, volume, trades
		FROM %s FINAL
		WHERE symbol = ? AND open_time_ms BETWEEN ? AND ?
		ORDER BY open_time_ms`, c.table())

	rows, err := c.conn.Query(ctx, query, symbol, uint64(from.UnixMilli()), uint64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	data := &MarketData{Symbol: symbol}
	for rows.Next() {
		var bar Bar
		var o, h, l, cl, v float64
		if err := rows.Scan(&bar.Symbol, &bar.Timestamp, &o, &h, &l, &cl, &v, &bar.TradeCount); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		bar.Open = decimal.NewFromFloat(o)
		bar.High = decimal.NewFromFloat(h)
		bar.Low = decimal.NewFromFloat(l)
		bar.Close = decimal.NewFromFloat(cl)
		bar.Volume = decimal.NewFromFloat(v)
		data.Bars = append(data.Bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candle rows: %w", err)
	}
	c.logger.Debug("Loaded candles", zap.String("symbol", symbol), zap.Int("bars", len(data.Bars)))
	return data, nil
}

// Candles loads a candle series; symbol is the stored instrument key.
func (c *Client) Candles(ctx context.Context, symbol string, from, to time.Time) ([]market.Candle, error) {
	data, err := c.LoadBars(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	return data.Candles(), nil
}

// InsertCandles writes a series in one batch. Re-inserting a timestamp
// replaces the earlier row after merges.
func (c *Client) InsertCandles(ctx context.Context, symbol string, candles []market.Candle) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s SETTINGS insert_deduplicate=1", c.table()))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	ver := uint64(time.Now().UnixNano())
	for _, candle := range candles {
		b := BarFromCandle(symbol, candle)
		if err := batch.Append(
			b.Symbol, b.Timestamp,
			b.Open.InexactFloat64(), b.High.InexactFloat64(), b.Low.InexactFloat64(), b.Close.InexactFloat64(),
			b.Volume.InexactFloat64(), b.TradeCount, ver,
		); err != nil {
			return fmt.Errorf("append candle: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	c.logger.Info("Inserted candles", zap.String("symbol", symbol), zap.Int("rows", len(candles)))
	return nil
}
