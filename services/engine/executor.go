package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"signalsim/services/market"
)

// Intent is an order the core asks the execution collaborator to fill.
type Intent struct {
	Instrument market.Instrument
	Direction  market.Direction
	Quantity   int64
	Price      float64
}

// Fill is the execution result.
type Fill struct {
	Price   float64
	OrderID string
	Time    time.Time
}

// Executor places orders with a broker. The core never routes orders itself.
type Executor interface {
	Execute(ctx context.Context, in Intent) (Fill, error)
}

// PaperExecutor fills every intent at the requested price.
type PaperExecutor struct {
	seq atomic.Int64
	Now func() time.Time
}

func (e *PaperExecutor) Execute(ctx context.Context, in Intent) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if in.Quantity < 1 {
		return Fill{}, fmt.Errorf("invalid quantity %d", in.Quantity)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return Fill{
		Price:   in.Price,
		OrderID: fmt.Sprintf("DEMO_%d", e.seq.Add(1)),
		Time:    now(),
	}, nil
}
