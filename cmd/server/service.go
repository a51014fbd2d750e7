package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signalsim/services/clickhouse"
	"signalsim/services/config"
	"signalsim/services/engine"
	"signalsim/services/jobs"
	"signalsim/services/market"
	"signalsim/services/report"
	"signalsim/services/simulation"
)

// CandleStore loads candle series by ticker.
type CandleStore interface {
	Candles(ctx context.Context, symbol string, from, to time.Time) ([]market.Candle, error)
}

// BacktestService runs submitted backtests on the job pool.
type BacktestService struct {
	cfg    config.Config
	store  CandleStore
	runner *jobs.Runner
	logger *zap.Logger
	start  time.Time
}

// NewBacktestService creates the service. store may be nil, in which case
// requests must carry their candles inline.
func NewBacktestService(cfg config.Config, store CandleStore, logger *zap.Logger) *BacktestService {
	s := &BacktestService{cfg: cfg, store: store, logger: logger, start: time.Now()}
	s.runner = jobs.NewRunner(cfg.Server, s.execute, logger)
	return s
}

// Start launches the job workers and the pruning loop.
func (s *BacktestService) Start(ctx context.Context) {
	s.runner.Start(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.runner.Prune(); n > 0 {
					s.logger.Debug("Pruned finished jobs", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop drains the job pool.
func (s *BacktestService) Stop() { s.runner.Stop() }

func (s *BacktestService) validate(req *engine.BacktestRunRequest) *engine.APIError {
	switch {
	case req.Ticker == "":
		return engine.ErrInvalidParams.WithDetails("ticker is required")
	case len(req.Signals) == 0:
		return engine.ErrInvalidParams.WithDetails("at least one signal is required")
	case req.InitialCapital < 0:
		return engine.ErrInvalidParams.WithDetails("initial_capital must not be negative")
	case len(req.Candles) == 0 && s.store == nil:
		return engine.ErrInvalidParams.WithDetails("candles are required when no candle store is configured")
	case len(req.Candles) == 0 && (req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To)):
		return engine.ErrInvalidParams.WithDetails("from/to must describe a non-empty range")
	}
	for _, c := range req.Candles {
		if err := market.ValidateCandle(c); err != nil {
			return engine.ErrInvalidParams.WithDetails(err.Error())
		}
	}
	return nil
}

func (s *BacktestService) execute(ctx context.Context, req engine.BacktestRunRequest) (any, error) {
	candles := market.SortCandles(append([]market.Candle(nil), req.Candles...))
	if len(candles) == 0 {
		loaded, err := s.store.Candles(ctx, req.Ticker, req.From, req.To)
		if err != nil {
			return nil, err
		}
		candles = loaded
	}
	if len(candles) == 0 {
		return nil, engine.ErrDataNotFound.WithDetails("no candles for " + req.Ticker)
	}

	cfg := s.cfg
	if req.InitialCapital > 0 {
		cfg.Backtest.InitialCapital = req.InitialCapital
	}
	bt, err := simulation.NewBacktest(cfg, market.BacktestInstrument(req.Ticker), s.logger)
	if err != nil {
		return nil, err
	}
	res, err := bt.Run(ctx, candles, req.Signals)
	if err != nil {
		return nil, err
	}
	snapshot, err := engine.SnapshotConfig(cfg.Environment, cfg)
	if err != nil {
		return nil, err
	}
	manifest := engine.NewManifest(simulation.ModeBacktest, req.Ticker, snapshot, candles, req.Signals)
	return report.Build(manifest, res), nil
}

// HTTP handlers for REST API
func (s *BacktestService) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/backtest", s.handleBacktestRequest)
		api.GET("/backtest/:job_id", s.handleGetBacktestResult)
		api.GET("/health", s.handleHealthCheck)
		api.GET("/config", s.handleConfig)
	}
}

func (s *BacktestService) handleBacktestRequest(c *gin.Context) {
	var req engine.BacktestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, engine.BacktestRunResponse{Error: engine.ErrInvalidParams.WithDetails(err.Error())})
		return
	}
	if apiErr := s.validate(&req); apiErr != nil {
		c.JSON(http.StatusBadRequest, engine.BacktestRunResponse{Error: apiErr})
		return
	}

	jobID, err := s.runner.Submit(req)
	if err != nil {
		var apiErr *engine.APIError
		if !errors.As(err, &apiErr) {
			apiErr = engine.ErrExecutionFailed.WithDetails(err.Error())
		}
		s.logger.Warn("Backtest request rejected", zap.String("code", apiErr.Code), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, engine.BacktestRunResponse{Error: apiErr})
		return
	}
	c.JSON(http.StatusAccepted, engine.BacktestRunResponse{JobID: jobID, Status: engine.StatusQueued})
}

func (s *BacktestService) handleGetBacktestResult(c *gin.Context) {
	jobID := c.Param("job_id")
	job, ok := s.runner.Get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, engine.BacktestResultResponse{JobID: jobID, Error: engine.ErrJobNotFound.WithDetails(jobID)})
		return
	}
	c.JSON(http.StatusOK, engine.BacktestResultResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Results: job.Result,
		Error:   job.Error,
	})
}

func (s *BacktestService) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"timestamp":    time.Now().Unix(),
		"version":      engine.EngineVersion,
		"uptime_s":     int64(time.Since(s.start).Seconds()),
		"pending_jobs": s.runner.Pending(),
		"candle_store": s.store != nil,
	})
}

func (s *BacktestService) handleConfig(c *gin.Context) {
	snapshot, err := engine.SnapshotConfig(s.cfg.Environment, s.cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": engine.ErrExecutionFailed.WithDetails(err.Error())})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

var _ CandleStore = (*clickhouse.Client)(nil)
