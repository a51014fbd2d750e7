// Package config builds the immutable run configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PullbackConfig drives the Fibonacci pullback protocol.
type PullbackConfig struct {
	EntryLevels      []float64     `json:"entry_levels"`
	TolerancePct     float64       `json:"tolerance_pct"`
	Timeout          time.Duration `json:"timeout"`
	Lookback         int           `json:"lookback"`
	MinTrendMovement float64       `json:"min_trend_movement_pct"`
}

// RangeConfig drives the range-trading protocol.
type RangeConfig struct {
	Enabled        bool          `json:"enabled"`
	MinWidthPct    float64       `json:"min_width_pct"`
	MaxWidthPct    float64       `json:"max_width_pct"`
	EntryOffset    float64       `json:"entry_offset"`
	StopPct        float64       `json:"stop_pct"`
	Timeout        time.Duration `json:"timeout"`
	FallbackWindow int           `json:"fallback_window"`
}

// StopConfig configures ATR-derived stops.
type StopConfig struct {
	StopMultiplier float64 `json:"stop_multiplier"`
	TakeMultiplier float64 `json:"take_multiplier"`
	MinStopPct     float64 `json:"min_stop_pct"`
	MaxStopPct     float64 `json:"max_stop_pct"`
}

// StrategyConfig groups everything the resolver needs.
type StrategyConfig struct {
	MinConfidence    float64        `json:"min_confidence"`
	ATRPeriod        int            `json:"atr_period"`
	MinVolatilityPct float64        `json:"min_volatility_pct"`
	MaxVolatilityPct float64        `json:"max_volatility_pct"`
	SRWindow         int            `json:"sr_window"`
	ContextCandles   int            `json:"context_candles"`
	HistoricalDays   int            `json:"historical_days"`
	MinRiskReward    float64        `json:"min_risk_reward"`
	Pullback         PullbackConfig `json:"pullback"`
	Range            RangeConfig    `json:"range"`
	Stops            StopConfig     `json:"stops"`
}

// RiskConfig gates position opening.
type RiskConfig struct {
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	MaxOpenPositions   int     `json:"max_open_positions"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MinBalance         float64 `json:"min_balance"`
}

// SessionConfig defines trading hours as wall-clock times in Location.
type SessionConfig struct {
	Location     string `json:"location"`
	Start        string `json:"start"`
	End          string `json:"end"`
	ForceCloseAt string `json:"force_close_at"`
}

// BacktestConfig holds replay defaults.
type BacktestConfig struct {
	InitialCapital float64 `json:"initial_capital"`
	Ticker         string  `json:"ticker"`
}

// LiveConfig holds the polling loop settings.
type LiveConfig struct {
	UpdateInterval time.Duration `json:"update_interval"`
	PriceURL       string        `json:"price_url"`
	PricePath      string        `json:"price_path"`
	StreamURL      string        `json:"stream_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// MonitorConfig configures the connection watchdog.
type MonitorConfig struct {
	MaxRetryAttempts      int           `json:"max_retry_attempts"`
	MaxPriceStale         time.Duration `json:"max_price_stale"`
	StaleCheckInterval    time.Duration `json:"stale_check_interval"`
	CloseOnConnectionLoss bool          `json:"close_on_connection_loss"`
}

// ServerConfig holds listener ports and the job pool limits.
type ServerConfig struct {
	HTTPPort   int           `json:"http_port"`
	GRPCPort   int           `json:"grpc_port"`
	MaxWorkers int           `json:"max_workers"`
	QueueSize  int           `json:"queue_size"`
	JobTimeout time.Duration `json:"job_timeout"`
	JobTTL     time.Duration `json:"job_ttl"`
}

// ClickHouseConfig holds connection settings for the candle store.
type ClickHouseConfig struct {
	Addr        string `json:"addr"`
	HTTPURL     string `json:"http_url"`
	Database    string `json:"database"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	CandleTable string `json:"candle_table"`
	TradeTable  string `json:"trade_table"`
	BatchSize   int    `json:"batch_size"`
}

// LogConfig configures zap and file rotation.
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ArrowConfig controls Arrow IPC export.
type ArrowConfig struct {
	BatchSize    int  `json:"batch_size"`
	ExportEquity bool `json:"export_equity"`
}

// ReportConfig controls export artifacts.
type ReportConfig struct {
	Dir         string `json:"dir"`
	SaveSignals bool   `json:"save_signals"`
	SignalsFile string `json:"signals_file"`
}

// Config is the full, immutable run configuration.
type Config struct {
	Environment string           `json:"environment"`
	Strategy    StrategyConfig   `json:"strategy"`
	Risk        RiskConfig       `json:"risk"`
	Session     SessionConfig    `json:"session"`
	Backtest    BacktestConfig   `json:"backtest"`
	Live        LiveConfig       `json:"live"`
	Monitor     MonitorConfig    `json:"monitor"`
	Server      ServerConfig     `json:"server"`
	ClickHouse  ClickHouseConfig `json:"clickhouse"`
	Arrow       ArrowConfig      `json:"arrow"`
	Log         LogConfig        `json:"log"`
	Report      ReportConfig     `json:"report"`
}

// Default returns the stock settings of the trading bot.
func Default() Config {
	return Config{
		Environment: "dev",
		Strategy: StrategyConfig{
			MinConfidence:    0.65,
			ATRPeriod:        14,
			MinVolatilityPct: 0.5,
			MaxVolatilityPct: 15.0,
			SRWindow:         5,
			ContextCandles:   50,
			HistoricalDays:   7,
			MinRiskReward:    1.5,
			Pullback: PullbackConfig{
				EntryLevels:      []float64{0.382, 0.5, 0.618},
				TolerancePct:     0.3,
				Timeout:          300 * time.Second,
				Lookback:         20,
				MinTrendMovement: 0.5,
			},
			Range: RangeConfig{
				Enabled:        true,
				MinWidthPct:    2.0,
				MaxWidthPct:    10.0,
				EntryOffset:    0.1,
				StopPct:        0.3,
				Timeout:        300 * time.Second,
				FallbackWindow: 100,
			},
			Stops: StopConfig{
				StopMultiplier: 2.0,
				TakeMultiplier: 3.0,
				MinStopPct:     1.0,
				MaxStopPct:     5.0,
			},
		},
		Risk: RiskConfig{
			MaxPositionSizePct: 5,
			MaxOpenPositions:   3,
			MaxDrawdownPct:     10,
			MinBalance:         10000,
		},
		Session: SessionConfig{
			Location:     "Europe/Moscow",
			Start:        "10:00",
			End:          "23:30",
			ForceCloseAt: "23:00",
		},
		Backtest: BacktestConfig{
			InitialCapital: 100000,
			Ticker:         "TEST",
		},
		Live: LiveConfig{
			UpdateInterval: time.Second,
			PricePath:      "/quote",
			RequestTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			MaxRetryAttempts:      3,
			MaxPriceStale:         60 * time.Second,
			StaleCheckInterval:    10 * time.Second,
			CloseOnConnectionLoss: true,
		},
		Server: ServerConfig{
			HTTPPort:   8080,
			GRPCPort:   9091,
			MaxWorkers: 4,
			QueueSize:  64,
			JobTimeout: 5 * time.Minute,
			JobTTL:     time.Hour,
		},
		ClickHouse: ClickHouseConfig{
			Addr:        "localhost:9000",
			HTTPURL:     "http://localhost:8123",
			Database:    "market",
			Username:    "default",
			CandleTable: "candles_1m",
			TradeTable:  "sim_trades",
			BatchSize:   1000,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Arrow: ArrowConfig{
			BatchSize:    4096,
			ExportEquity: true,
		},
		Report: ReportConfig{
			Dir:         "reports",
			SaveSignals: true,
			SignalsFile: "signals.json",
		},
	}
}

// Load reads .env (if present) and the process environment on top of Default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	s := &cfg.Strategy
	s.MinConfidence = getEnvAsFloat("MIN_AI_CONFIDENCE", s.MinConfidence)
	s.ATRPeriod = getEnvAsInt("ATR_PERIOD", s.ATRPeriod)
	s.MinVolatilityPct = getEnvAsFloat("MIN_VOLATILITY_PERCENT", s.MinVolatilityPct)
	s.MaxVolatilityPct = getEnvAsFloat("MAX_VOLATILITY_PERCENT", s.MaxVolatilityPct)
	s.SRWindow = getEnvAsInt("SR_WINDOW", s.SRWindow)
	s.ContextCandles = getEnvAsInt("CONTEXT_CANDLES", s.ContextCandles)
	s.HistoricalDays = getEnvAsInt("HISTORICAL_DAYS", s.HistoricalDays)
	s.MinRiskReward = getEnvAsFloat("MIN_RISK_REWARD_RATIO", s.MinRiskReward)
	s.Pullback.EntryLevels = getEnvAsFloatList("FIBONACCI_ENTRY_LEVELS", s.Pullback.EntryLevels)
	s.Pullback.TolerancePct = getEnvAsFloat("FIBONACCI_TOLERANCE", s.Pullback.TolerancePct)
	s.Pullback.Timeout = getEnvAsDuration("PULLBACK_TIMEOUT", s.Pullback.Timeout)
	s.Pullback.Lookback = getEnvAsInt("PULLBACK_LOOKBACK", s.Pullback.Lookback)
	s.Pullback.MinTrendMovement = getEnvAsFloat("MIN_TREND_MOVEMENT", s.Pullback.MinTrendMovement)
	s.Range.Enabled = getEnvAsBool("ENABLE_RANGE_TRADING", s.Range.Enabled)
	s.Range.MinWidthPct = getEnvAsFloat("MIN_RANGE_WIDTH_PERCENT", s.Range.MinWidthPct)
	s.Range.MaxWidthPct = getEnvAsFloat("MAX_RANGE_WIDTH_PERCENT", s.Range.MaxWidthPct)
	s.Range.EntryOffset = getEnvAsFloat("RANGE_ENTRY_OFFSET", s.Range.EntryOffset)
	s.Range.StopPct = getEnvAsFloat("RANGE_STOP_PERCENT", s.Range.StopPct)
	s.Range.Timeout = getEnvAsDuration("RANGE_TIMEOUT", s.Range.Timeout)
	s.Range.FallbackWindow = getEnvAsInt("DAILY_FALLBACK_CANDLES", s.Range.FallbackWindow)
	s.Stops.StopMultiplier = getEnvAsFloat("ATR_STOP_MULTIPLIER", s.Stops.StopMultiplier)
	s.Stops.TakeMultiplier = getEnvAsFloat("ATR_TAKE_MULTIPLIER", s.Stops.TakeMultiplier)
	s.Stops.MinStopPct = getEnvAsFloat("MIN_STOP_LOSS_PERCENT", s.Stops.MinStopPct)
	s.Stops.MaxStopPct = getEnvAsFloat("MAX_STOP_LOSS_PERCENT", s.Stops.MaxStopPct)

	r := &cfg.Risk
	r.MaxPositionSizePct = getEnvAsFloat("MAX_POSITION_SIZE_PERCENT", r.MaxPositionSizePct)
	r.MaxOpenPositions = getEnvAsInt("MAX_OPEN_POSITIONS", r.MaxOpenPositions)
	r.MaxDrawdownPct = getEnvAsFloat("MAX_DRAWDOWN_PERCENT", r.MaxDrawdownPct)
	r.MinBalance = getEnvAsFloat("MIN_BALANCE", r.MinBalance)

	cfg.Session.Location = getEnv("SESSION_TIMEZONE", cfg.Session.Location)
	cfg.Session.Start = getEnv("SESSION_START", cfg.Session.Start)
	cfg.Session.End = getEnv("SESSION_END", cfg.Session.End)
	cfg.Session.ForceCloseAt = getEnv("SESSION_FORCE_CLOSE", cfg.Session.ForceCloseAt)

	cfg.Backtest.InitialCapital = getEnvAsFloat("BACKTEST_INITIAL_CAPITAL", cfg.Backtest.InitialCapital)
	cfg.Backtest.Ticker = getEnv("BACKTEST_TICKER", cfg.Backtest.Ticker)

	cfg.Live.UpdateInterval = getEnvAsDuration("UPDATE_INTERVAL", cfg.Live.UpdateInterval)
	cfg.Live.PriceURL = getEnv("PRICE_URL", cfg.Live.PriceURL)
	cfg.Live.PricePath = getEnv("PRICE_PATH", cfg.Live.PricePath)
	cfg.Live.StreamURL = getEnv("PRICE_STREAM_URL", cfg.Live.StreamURL)
	cfg.Live.RequestTimeout = getEnvAsDuration("PRICE_REQUEST_TIMEOUT", cfg.Live.RequestTimeout)

	cfg.Monitor.MaxRetryAttempts = getEnvAsInt("MAX_RETRY_ATTEMPTS", cfg.Monitor.MaxRetryAttempts)
	cfg.Monitor.MaxPriceStale = getEnvAsDuration("MAX_PRICE_STALE_TIME", cfg.Monitor.MaxPriceStale)
	cfg.Monitor.StaleCheckInterval = getEnvAsDuration("STALE_CHECK_INTERVAL", cfg.Monitor.StaleCheckInterval)
	cfg.Monitor.CloseOnConnectionLoss = getEnvAsBool("CLOSE_ON_CONNECTION_LOSS", cfg.Monitor.CloseOnConnectionLoss)

	cfg.Server.HTTPPort = getEnvAsInt("HTTP_PORT", cfg.Server.HTTPPort)
	cfg.Server.GRPCPort = getEnvAsInt("GRPC_PORT", cfg.Server.GRPCPort)
	cfg.Server.MaxWorkers = getEnvAsInt("MAX_WORKERS", cfg.Server.MaxWorkers)
	cfg.Server.QueueSize = getEnvAsInt("JOB_QUEUE_SIZE", cfg.Server.QueueSize)
	cfg.Server.JobTimeout = getEnvAsDuration("JOB_TIMEOUT", cfg.Server.JobTimeout)
	cfg.Server.JobTTL = getEnvAsDuration("JOB_TTL", cfg.Server.JobTTL)

	ch := &cfg.ClickHouse
	ch.Addr = getEnv("CH_ADDR", ch.Addr)
	ch.HTTPURL = getEnv("CH_HTTP_URL", ch.HTTPURL)
	ch.Database = getEnv("CH_DATABASE", ch.Database)
	ch.Username = getEnv("CH_USERNAME", ch.Username)
	ch.Password = getEnv("CH_PASSWORD", ch.Password)
	ch.CandleTable = getEnv("CH_CANDLE_TABLE", ch.CandleTable)
	ch.TradeTable = getEnv("CH_TRADE_TABLE", ch.TradeTable)
	ch.BatchSize = getEnvAsInt("CH_BATCH_SIZE", ch.BatchSize)

	cfg.Arrow.BatchSize = getEnvAsInt("ARROW_BATCH_SIZE", cfg.Arrow.BatchSize)
	cfg.Arrow.ExportEquity = getEnvAsBool("ARROW_EXPORT_EQUITY", cfg.Arrow.ExportEquity)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
	cfg.Log.MaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays)
	cfg.Log.Compress = getEnvAsBool("LOG_COMPRESS", cfg.Log.Compress)

	cfg.Report.Dir = getEnv("REPORT_DIR", cfg.Report.Dir)
	cfg.Report.SaveSignals = getEnvAsBool("SAVE_SIGNALS", cfg.Report.SaveSignals)
	cfg.Report.SignalsFile = getEnv("SIGNALS_FILE", cfg.Report.SignalsFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the core cannot run with.
func (c Config) Validate() error {
	var errs []error
	s := c.Strategy
	if s.ATRPeriod <= 0 {
		errs = append(errs, fmt.Errorf("ATR_PERIOD must be positive, got %d", s.ATRPeriod))
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_AI_CONFIDENCE must be in [0,1], got %.2f", s.MinConfidence))
	}
	if s.MinVolatilityPct > s.MaxVolatilityPct {
		errs = append(errs, errors.New("MIN_VOLATILITY_PERCENT exceeds MAX_VOLATILITY_PERCENT"))
	}
	if s.Stops.MinStopPct > s.Stops.MaxStopPct {
		errs = append(errs, errors.New("MIN_STOP_LOSS_PERCENT exceeds MAX_STOP_LOSS_PERCENT"))
	}
	if s.Range.MinWidthPct > s.Range.MaxWidthPct {
		errs = append(errs, errors.New("MIN_RANGE_WIDTH_PERCENT exceeds MAX_RANGE_WIDTH_PERCENT"))
	}
	if len(s.Pullback.EntryLevels) == 0 {
		errs = append(errs, errors.New("FIBONACCI_ENTRY_LEVELS is empty"))
	}
	if s.Pullback.Lookback <= 0 {
		errs = append(errs, errors.New("PULLBACK_LOOKBACK must be positive"))
	}
	if c.Risk.MaxOpenPositions <= 0 {
		errs = append(errs, errors.New("MAX_OPEN_POSITIONS must be positive"))
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 100 {
		errs = append(errs, fmt.Errorf("MAX_POSITION_SIZE_PERCENT must be in (0,100], got %.2f", c.Risk.MaxPositionSizePct))
	}
	if c.Backtest.InitialCapital <= 0 {
		errs = append(errs, errors.New("BACKTEST_INITIAL_CAPITAL must be positive"))
	}
	if c.Live.UpdateInterval <= 0 {
		errs = append(errs, errors.New("UPDATE_INTERVAL must be positive"))
	}
	if c.Arrow.BatchSize <= 0 {
		errs = append(errs, errors.New("ARROW_BATCH_SIZE must be positive"))
	}
	if _, err := c.Session.Hours(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("300").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvAsFloatList(key string, fallback []float64) []float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return fallback
		}
		out = append(out, v)
	}
	return out
}
