package engine

import (
	"context"
	"testing"

	"signalsim/services/market"
)

func TestPaperExecutorHandles(t *testing.T) {
	ex := &PaperExecutor{}
	in := Intent{Instrument: market.BacktestInstrument("SBER"), Direction: market.DirectionUp, Quantity: 10, Price: 250}
	for _, want := range []string{"DEMO_1", "DEMO_2"} {
		fill, err := ex.Execute(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if fill.OrderID != want || fill.Price != 250 {
			t.Fatalf("fill = %+v, want %s", fill, want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ex.Execute(ctx, in); err == nil {
		t.Fatal("cancelled context must fail")
	}
}
