package clickhouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/services/engine"
)

// TradeRow is one closed position in JSONEachRow form.
type TradeRow struct {
	RunID       string          `json:"run_id"`
	PositionID  string          `json:"position_id"`
	Ticker      string          `json:"ticker"`
	Strategy    string          `json:"strategy"`
	Direction   string          `json:"direction"`
	Quantity    int64           `json:"quantity"`
	EntryTimeMs int64           `json:"entry_time_ms"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	CloseTimeMs int64           `json:"close_time_ms"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	CloseReason string          `json:"close_reason"`
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
	MaxProfit   decimal.Decimal `json:"max_profit"`
	MaxLoss     decimal.Decimal `json:"max_loss"`
	IngestedAt  string          `json:"ingested_at"`
}

// NewTradeRow flattens a closed position.
func NewTradeRow(runID string, p engine.Position, now time.Time) TradeRow {
	return TradeRow{
		RunID:       runID,
		PositionID:  p.ID,
		Ticker:      p.Ticker,
		Strategy:    string(p.Strategy),
		Direction:   string(p.Direction),
		Quantity:    p.Quantity,
		EntryTimeMs: p.EntryTime.UnixMilli(),
		EntryPrice:  decimal.NewFromFloat(p.EntryPrice),
		StopLoss:    decimal.NewFromFloat(p.StopLoss),
		TakeProfit:  decimal.NewFromFloat(p.TakeProfit),
		CloseTimeMs: p.CloseTime.UnixMilli(),
		ClosePrice:  decimal.NewFromFloat(p.ClosePrice),
		CloseReason: string(p.CloseReason),
		ProfitLoss:  decimal.NewFromFloat(p.ProfitLoss),
		MaxProfit:   decimal.NewFromFloat(p.MaxProfit),
		MaxLoss:     decimal.NewFromFloat(p.MaxLoss),
		IngestedAt:  now.UTC().Format("2006-01-02 15:04:05"),
	}
}

// TradeSink handles ClickHouse HTTP batch inserts of closed trades with
// compression.
type TradeSink struct {
	baseURL    string
	table      string
	username   string
	password   string
	httpClient *http.Client
	buffer     []TradeRow
	batchSize  int
	logger     *zap.Logger
}

// NewTradeSink builds a sink against the HTTP interface in cfg.
func NewTradeSink(cfg config.ClickHouseConfig, logger *zap.Logger) *TradeSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &TradeSink{
		baseURL:   strings.TrimRight(cfg.HTTPURL, "/"),
		table:     cfg.Database + "." + cfg.TradeTable,
		username:  cfg.Username,
		password:  cfg.Password,
		batchSize: batchSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		buffer: make([]TradeRow, 0, batchSize),
		logger: logger,
	}
}

// WriteTrades exports the trades of a run once. A run already present in
// the table is skipped.
func (s *TradeSink) WriteTrades(ctx context.Context, runID string, trades []engine.Position) error {
	n, err := s.exportedRows(ctx, runID)
	if err != nil {
		return fmt.Errorf("run ledger check: %w", err)
	}
	if n > 0 {
		s.logger.Info("Run already exported, skipping", zap.String("run_id", runID), zap.Uint64("rows", n))
		return nil
	}
	now := time.Now()
	for _, p := range trades {
		if err := s.Add(ctx, NewTradeRow(runID, p, now)); err != nil {
			return err
		}
	}
	return s.Flush(ctx)
}

// Add buffers a row and flushes when the batch is full.
func (s *TradeSink) Add(ctx context.Context, row TradeRow) error {
	s.buffer = append(s.buffer, row)
	if len(s.buffer) >= s.batchSize {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends the buffered rows.
func (s *TradeSink) Flush(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	// JSONEachRow: one JSON object per line
	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gzWriter)
	for _, row := range s.buffer {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("gzip error: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", s.table)
	req, err := s.request(ctx, http.MethodPost, query, "input_format_null_as_default=1", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-ClickHouse-Settings", "input_format_allow_errors_num=0,insert_deduplicate=1")

	if _, err := s.do(req); err != nil {
		return err
	}
	s.logger.Debug("Flushed trade batch", zap.String("table", s.table), zap.Int("rows", len(s.buffer)))
	s.buffer = s.buffer[:0]
	return nil
}

// Close flushes what is left.
func (s *TradeSink) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

func (s *TradeSink) exportedRows(ctx context.Context, runID string) (uint64, error) {
	query := fmt.Sprintf("SELECT count() FROM %s WHERE run_id = {run_id:String} FORMAT TabSeparated", s.table)
	req, err := s.request(ctx, http.MethodGet, query, "param_run_id="+url.QueryEscape(runID), nil)
	if err != nil {
		return 0, err
	}
	body, err := s.do(req)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected count response %q: %w", body, err)
	}
	return n, nil
}

func (s *TradeSink) request(ctx context.Context, method, query, params string, body io.Reader) (*http.Request, error) {
	u := fmt.Sprintf("%s/?query=%s", s.baseURL, url.QueryEscape(query))
	if params != "" {
		u += "&" + params
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.SetBasicAuth(s.username, s.password)
	return req, nil
}

func (s *TradeSink) do(req *http.Request) ([]byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clickhouse error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
