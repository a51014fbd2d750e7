package engine

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"signalsim/services/market"
)

var t0 = time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC)

func testLedger() *Ledger {
	return NewLedger(LedgerConfig{
		InitialCapital:     100000,
		MaxPositionSizePct: 5,
		MaxOpenPositions:   3,
		MaxDrawdownPct:     10,
		MinBalance:         10000,
		MinRiskReward:      1.5,
	}, &EventLog{}, nil)
}

func upRequest(entry, stop, target float64) OpenRequest {
	return OpenRequest{
		Instrument: market.BacktestInstrument("TEST"),
		Direction:  market.DirectionUp,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: target,
		Strategy:   StrategyPullback,
		ATR:        1,
		Time:       t0,
	}
}

func mustOpen(t *testing.T, l *Ledger, req OpenRequest) *Position {
	t.Helper()
	p, reason, err := l.Open(req)
	if err != nil || reason != RejectNone || p == nil {
		t.Fatalf("open failed: reason=%q err=%v", reason, err)
	}
	return p
}

func TestOpenSizesAndDebits(t *testing.T) {
	l := testLedger()
	p := mustOpen(t, l, upRequest(100, 98, 103))
	if p.Quantity != 50 {
		t.Fatalf("quantity = %d, want 50", p.Quantity)
	}
	s := l.Snapshot()
	if s.AvailableBalance != 95000 || s.CurrentBalance != 100000 {
		t.Fatalf("unexpected balances: %+v", s)
	}

	closed, err := l.Close(p.ID, 103, CloseTakeProfit, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if closed.ProfitLoss != 150 || !closed.IsClosed || closed.HoldTime() != time.Hour {
		t.Fatalf("unexpected closed position: %+v", closed)
	}
	s = l.Snapshot()
	if s.AvailableBalance != 100150 || s.CurrentBalance != 100150 || len(s.Open) != 0 || len(s.Closed) != 1 {
		t.Fatalf("unexpected balances after close: %+v", s)
	}
}

func TestShortPositionPnL(t *testing.T) {
	l := testLedger()
	req := upRequest(50, 51, 48)
	req.Direction = market.DirectionDown
	p := mustOpen(t, l, req)
	if p.Quantity != 100 {
		t.Fatalf("quantity = %d", p.Quantity)
	}
	closed, err := l.Close(p.ID, 49, CloseManual, t0)
	if err != nil {
		t.Fatal(err)
	}
	if closed.ProfitLoss != 100 {
		t.Fatalf("short pnl = %v, want 100", closed.ProfitLoss)
	}
	if got := l.Snapshot().AvailableBalance; got != 100100 {
		t.Fatalf("available = %v, want 100100", got)
	}
}

func TestOpenRejections(t *testing.T) {
	t.Run("max positions", func(t *testing.T) {
		l := testLedger()
		for i := 0; i < 3; i++ {
			mustOpen(t, l, upRequest(100, 98, 103))
		}
		if _, reason, _ := l.Open(upRequest(100, 98, 103)); reason != RejectMaxPositions {
			t.Fatalf("reason = %q", reason)
		}
	})
	t.Run("min balance", func(t *testing.T) {
		l := testLedger()
		l.cfg.MinBalance = 99000
		mustOpen(t, l, upRequest(100, 98, 103))
		if _, reason, _ := l.Open(upRequest(100, 98, 103)); reason != RejectMinBalance {
			t.Fatalf("reason = %q", reason)
		}
	})
	t.Run("max drawdown", func(t *testing.T) {
		l := testLedger()
		l.cfg.MaxPositionSizePct = 100
		p := mustOpen(t, l, upRequest(100, 98, 103))
		if _, err := l.Close(p.ID, 85, CloseManual, t0); err != nil {
			t.Fatal(err)
		}
		if ok, reason := l.CanOpen(); ok || reason != RejectMaxDrawdown {
			t.Fatalf("CanOpen = %v %q", ok, reason)
		}
	})
	t.Run("size below one", func(t *testing.T) {
		l := testLedger()
		if _, reason, _ := l.Open(upRequest(10000, 9800, 10300)); reason != RejectSizeBelowOne {
			t.Fatalf("reason = %q", reason)
		}
	})
	t.Run("risk reward", func(t *testing.T) {
		l := testLedger()
		if _, reason, _ := l.Open(upRequest(100, 98, 102)); reason != RejectRiskReward {
			t.Fatalf("reason = %q", reason)
		}
	})
	t.Run("bracket", func(t *testing.T) {
		l := testLedger()
		if _, reason, _ := l.Open(upRequest(100, 101, 103)); reason != RejectInvalidBracket {
			t.Fatalf("reason = %q", reason)
		}
	})
}

func TestRejectionLeavesLedgerUntouched(t *testing.T) {
	l := testLedger()
	before := l.Snapshot()
	l.Open(upRequest(100, 98, 102))
	after := l.Snapshot()
	if before.AvailableBalance != after.AvailableBalance || len(after.Open) != 0 {
		t.Fatalf("rejected open mutated ledger: %+v", after)
	}
	if l.events.Count(EventOpenRejected) != 1 {
		t.Fatal("rejection not journaled")
	}
}

func TestCheckAgreesWithOpen(t *testing.T) {
	cases := []struct {
		name string
		req  OpenRequest
		want RejectReason
	}{
		{"accepted", upRequest(100, 98, 103), RejectNone},
		{"risk reward", upRequest(100, 98, 102), RejectRiskReward},
		{"bracket", upRequest(100, 101, 103), RejectInvalidBracket},
		{"size", upRequest(10000, 9800, 10300), RejectSizeBelowOne},
	}
	for _, c := range cases {
		l := testLedger()
		qty, reason := l.Check(c.req)
		if reason != c.want {
			t.Fatalf("%s: Check reason = %q, want %q", c.name, reason, c.want)
		}
		if snap := l.Snapshot(); snap.AvailableBalance != 100000 || len(snap.Open) != 0 || len(l.events.Events()) != 0 {
			t.Fatalf("%s: Check mutated the ledger", c.name)
		}
		p, openReason, err := l.Open(c.req)
		if err != nil || openReason != reason {
			t.Fatalf("%s: Open reason = %q err=%v, Check said %q", c.name, openReason, err, reason)
		}
		if reason == RejectNone && (qty != 50 || p.Quantity != qty) {
			t.Fatalf("%s: Check qty %d, opened %+v", c.name, qty, p)
		}
	}
}

func TestDoubleCloseHaltsLedger(t *testing.T) {
	l := testLedger()
	p := mustOpen(t, l, upRequest(100, 98, 103))
	if _, err := l.Close(p.ID, 101, CloseManual, t0); err != nil {
		t.Fatal(err)
	}
	_, err := l.Close(p.ID, 101, CloseManual, t0)
	if !errors.Is(err, ErrPositionClosed) || !errors.Is(err, ErrLedgerHalted) {
		t.Fatalf("second close err = %v", err)
	}
	if _, _, err := l.Open(upRequest(100, 98, 103)); !errors.Is(err, ErrLedgerHalted) {
		t.Fatalf("open after halt err = %v", err)
	}
	if _, err := l.Close("nope", 1, CloseManual, t0); !errors.Is(err, ErrLedgerHalted) {
		t.Fatalf("close after halt err = %v", err)
	}
}

func TestUnknownPositionHaltsLedger(t *testing.T) {
	l := testLedger()
	if _, err := l.Close("missing", 1, CloseManual, t0); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("err = %v", err)
	}
	if l.Err() == nil {
		t.Fatal("ledger should be halted")
	}
}

func TestEvaluateTickInsertionOrder(t *testing.T) {
	l := testLedger()
	a := mustOpen(t, l, upRequest(100, 98, 103))
	b := mustOpen(t, l, upRequest(100, 97, 106))

	closed, err := l.EvaluateTick(102, t0.Add(time.Minute))
	if err != nil || len(closed) != 0 {
		t.Fatalf("unexpected closes at 102: %v %v", closed, err)
	}
	closed, err = l.EvaluateTick(96.5, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 2 || closed[0].ID != a.ID || closed[1].ID != b.ID {
		t.Fatalf("close order wrong: %+v", closed)
	}
	if closed[0].ClosePrice != 98 || closed[1].ClosePrice != 97 || closed[0].CloseReason != CloseStopLoss {
		t.Fatalf("stop fills wrong: %+v", closed)
	}
	if closed[0].MaxProfit != 100 || closed[0].MaxLoss != -175 || closed[0].ProfitLoss != -100 {
		t.Fatalf("extrema wrong: %+v", closed[0])
	}
}

func TestTakeProfitOnTick(t *testing.T) {
	l := testLedger()
	req := upRequest(50, 51, 48)
	req.Direction = market.DirectionDown
	mustOpen(t, l, req)
	closed, err := l.EvaluateTick(47.5, t0)
	if err != nil || len(closed) != 1 {
		t.Fatalf("expected one close: %v %v", closed, err)
	}
	if closed[0].CloseReason != CloseTakeProfit || closed[0].ClosePrice != 48 {
		t.Fatalf("unexpected close: %+v", closed[0])
	}
}

func TestCloseAllUsesCurrentPrice(t *testing.T) {
	l := testLedger()
	mustOpen(t, l, upRequest(100, 98, 103))
	mustOpen(t, l, upRequest(100, 98, 103))
	closed, err := l.CloseAll(120, CloseEndOfSession, t0)
	if err != nil || len(closed) != 2 {
		t.Fatalf("CloseAll: %v %v", closed, err)
	}
	for _, p := range closed {
		if p.ClosePrice != 120 || p.CloseReason != CloseEndOfSession {
			t.Fatalf("forced close must use tick price: %+v", p)
		}
	}
	if l.OpenCount() != 0 {
		t.Fatal("positions left open")
	}
}

func TestEquityMarksOpenPositions(t *testing.T) {
	l := testLedger()
	mustOpen(t, l, upRequest(100, 98, 103))
	if eq := l.Equity(102); eq != 100100 {
		t.Fatalf("equity = %v, want 100100", eq)
	}
}

func TestLedgerInvariantRandomWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := testLedger()
	l.cfg.MaxOpenPositions = 5
	realized := 0.0
	for i := 0; i < 500; i++ {
		s := l.Snapshot()
		if len(s.Open) > 0 && rng.Intn(2) == 0 {
			p := s.Open[rng.Intn(len(s.Open))]
			price := p.EntryPrice * (0.9 + rng.Float64()*0.2)
			cp, err := l.Close(p.ID, price, CloseManual, t0)
			if err != nil {
				t.Fatal(err)
			}
			realized += cp.ProfitLoss
		} else {
			entry := 50 + rng.Float64()*100
			req := upRequest(entry, entry*0.98, entry*1.04)
			if rng.Intn(2) == 0 {
				req.Direction = market.DirectionDown
				req.StopLoss, req.TakeProfit = entry*1.02, entry*0.96
			}
			if _, _, err := l.Open(req); err != nil {
				t.Fatal(err)
			}
		}

		s = l.Snapshot()
		committed := 0.0
		for _, p := range s.Open {
			committed += p.Cost()
		}
		if s.AvailableBalance < 0 {
			t.Fatalf("step %d: negative available %v", i, s.AvailableBalance)
		}
		want := s.InitialCapital + realized - committed
		if math.Abs(s.AvailableBalance-want) > 1e-6 {
			t.Fatalf("step %d: available %v, want %v", i, s.AvailableBalance, want)
		}
	}
}
