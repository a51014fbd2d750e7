// Package arrowpipeline encodes candle series and equity curves as Apache
// Arrow IPC streams and decodes candle streams back.
package arrowpipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"signalsim/services/clickhouse"
	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/market"
)

// CandleSchema is the column layout of candle streams.
var CandleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
	{Name: "trade_count", Type: arrow.PrimitiveTypes.Uint32},
}, nil)

// EquitySchema is the column layout of equity-curve streams.
var EquitySchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "equity", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// Pipeline handles Arrow IPC encoding.
type Pipeline struct {
	config     config.ArrowConfig
	memoryPool memory.Allocator
	logger     *zap.Logger
}

// NewPipeline creates a new Arrow pipeline.
func NewPipeline(cfg config.ArrowConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4096
	}
	return &Pipeline{
		config:     cfg,
		memoryPool: memory.NewGoAllocator(),
		logger:     logger,
	}
}

// ConvertToArrow converts market data to an IPC stream of record batches of
// at most BatchSize rows.
func (p *Pipeline) ConvertToArrow(data *clickhouse.MarketData) ([]byte, error) {
	if len(data.Bars) == 0 {
		return nil, fmt.Errorf("no bars to convert")
	}
	var buf bytes.Buffer
	if err := p.WriteBars(context.Background(), &buf, data.Bars); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteBars streams bars to w.
func (p *Pipeline) WriteBars(ctx context.Context, w io.Writer, bars []clickhouse.Bar) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(CandleSchema), ipc.WithAllocator(p.memoryPool))
	for start := 0; start < len(bars); start += p.config.BatchSize {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return err
		}
		end := min(start+p.config.BatchSize, len(bars))
		record := p.barRecord(bars[start:end])
		err := writer.Write(record)
		record.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		p.logger.Debug("Wrote Arrow batch", zap.Int("rows", end-start))
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow stream: %w", err)
	}
	return nil
}

func (p *Pipeline) barRecord(bars []clickhouse.Bar) arrow.Record {
	b := array.NewRecordBuilder(p.memoryPool, CandleSchema)
	defer b.Release()

	symbols := b.Field(0).(*array.StringBuilder)
	timestamps := b.Field(1).(*array.Uint64Builder)
	opens := b.Field(2).(*array.Float64Builder)
	highs := b.Field(3).(*array.Float64Builder)
	lows := b.Field(4).(*array.Float64Builder)
	closes := b.Field(5).(*array.Float64Builder)
	volumes := b.Field(6).(*array.Float64Builder)
	tradeCounts := b.Field(7).(*array.Uint32Builder)

	for _, bar := range bars {
		symbols.Append(bar.Symbol)
		timestamps.Append(bar.Timestamp)
		opens.Append(bar.Open.InexactFloat64())
		highs.Append(bar.High.InexactFloat64())
		lows.Append(bar.Low.InexactFloat64())
		closes.Append(bar.Close.InexactFloat64())
		volumes.Append(bar.Volume.InexactFloat64())
		tradeCounts.Append(bar.TradeCount)
	}
	return b.NewRecord()
}

// ConvertFromArrow converts an IPC candle stream back to market data.
func (p *Pipeline) ConvertFromArrow(data []byte) (*clickhouse.MarketData, error) {
	return p.ReadBars(bytes.NewReader(data))
}

// ReadBars decodes every record batch of a candle stream.
func (p *Pipeline) ReadBars(r io.Reader) (*clickhouse.MarketData, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool), ipc.WithSchema(CandleSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to open Arrow stream: %w", err)
	}
	defer rdr.Release()

	out := &clickhouse.MarketData{}
	for rdr.Next() {
		rec := rdr.Record()
		symbols := rec.Column(0).(*array.String)
		timestamps := rec.Column(1).(*array.Uint64)
		opens := rec.Column(2).(*array.Float64)
		highs := rec.Column(3).(*array.Float64)
		lows := rec.Column(4).(*array.Float64)
		closes := rec.Column(5).(*array.Float64)
		volumes := rec.Column(6).(*array.Float64)
		tradeCounts := rec.Column(7).(*array.Uint32)

		for i := 0; i < int(rec.NumRows()); i++ {
			bar := clickhouse.BarFromCandle(symbols.Value(i), market.Candle{
				Time:   time.UnixMilli(int64(timestamps.Value(i))).UTC(),
				Open:   opens.Value(i),
				High:   highs.Value(i),
				Low:    lows.Value(i),
				Close:  closes.Value(i),
				Volume: int64(volumes.Value(i)),
			})
			bar.TradeCount = tradeCounts.Value(i)
			out.Bars = append(out.Bars, bar)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read Arrow stream: %w", err)
	}
	if len(out.Bars) > 0 {
		out.Symbol = out.Bars[0].Symbol
	}
	return out, nil
}

// LoadCandles reads a candle stream file.
func (p *Pipeline) LoadCandles(filename string) ([]market.Candle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	data, err := p.ReadBars(f)
	if err != nil {
		return nil, err
	}
	return data.Candles(), nil
}

// WriteCandles writes candles for symbol as a stream file.
func (p *Pipeline) WriteCandles(filename, symbol string, candles []market.Candle) error {
	bars := make([]clickhouse.Bar, len(candles))
	for i, c := range candles {
		bars[i] = clickhouse.BarFromCandle(symbol, c)
	}
	return p.writeFile(filename, func(w io.Writer) error {
		return p.WriteBars(context.Background(), w, bars)
	})
}

// WriteEquity streams an equity curve to w.
func (p *Pipeline) WriteEquity(w io.Writer, curve []engine.EquityPoint) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(EquitySchema), ipc.WithAllocator(p.memoryPool))
	for start := 0; start < len(curve); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(curve))

		b := array.NewRecordBuilder(p.memoryPool, EquitySchema)
		ts := b.Field(0).(*array.Uint64Builder)
		eq := b.Field(1).(*array.Float64Builder)
		for _, pt := range curve[start:end] {
			ts.Append(uint64(pt.Time.UnixMilli()))
			eq.Append(pt.Equity)
		}
		record := b.NewRecord()
		b.Release()

		err := writer.Write(record)
		record.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
	}
	return writer.Close()
}

// ReadEquity decodes an equity-curve stream.
func (p *Pipeline) ReadEquity(r io.Reader) ([]engine.EquityPoint, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool), ipc.WithSchema(EquitySchema))
	if err != nil {
		return nil, fmt.Errorf("failed to open Arrow stream: %w", err)
	}
	defer rdr.Release()

	var curve []engine.EquityPoint
	for rdr.Next() {
		rec := rdr.Record()
		ts := rec.Column(0).(*array.Uint64)
		eq := rec.Column(1).(*array.Float64)
		for i := 0; i < int(rec.NumRows()); i++ {
			curve = append(curve, engine.EquityPoint{Time: time.UnixMilli(int64(ts.Value(i))).UTC(), Equity: eq.Value(i)})
		}
	}
	return curve, rdr.Err()
}

// ExportEquity writes the equity curve to filename.
func (p *Pipeline) ExportEquity(filename string, curve []engine.EquityPoint) error {
	err := p.writeFile(filename, func(w io.Writer) error { return p.WriteEquity(w, curve) })
	if err == nil {
		p.logger.Info("Equity curve exported", zap.String("file", filename), zap.Int("points", len(curve)))
	}
	return err
}

func (p *Pipeline) writeFile(filename string, write func(io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
