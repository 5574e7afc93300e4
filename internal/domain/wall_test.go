package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSignedDistance(t *testing.T) {
	mid := decimal.NewFromInt(50500)

	t.Run("bid below mid is negative", func(t *testing.T) {
		key := WallKey{Market: MarketFutures, Side: SideBid, PriceStr: "50000.00"}
		d := key.SignedDistance(mid)
		if !d.IsNegative() {
			t.Fatalf("expected negative distance, got %s", d)
		}
		// (50000-50500)/50500*100 ≈ -0.9901
		if d.Round(2).String() != "-0.99" {
			t.Errorf("expected -0.99, got %s", d.Round(2))
		}
	})

	t.Run("ask above mid is positive", func(t *testing.T) {
		key := WallKey{Market: MarketFutures, Side: SideAsk, PriceStr: "51005.00"}
		if d := key.SignedDistance(mid); !d.IsPositive() {
			t.Errorf("expected positive distance, got %s", d)
		}
	})

	t.Run("zero mid yields zero", func(t *testing.T) {
		key := WallKey{PriceStr: "50000.00"}
		if d := key.SignedDistance(decimal.Zero); !d.IsZero() {
			t.Errorf("expected zero, got %s", d)
		}
	})
}

func TestPriceLevelNotional(t *testing.T) {
	price, _ := decimal.NewFromString("50000.00")
	lv := PriceLevel{PriceStr: "50000.00", Price: price, Qty: decimal.NewFromFloat(0.5)}
	if !lv.Notional().Equal(decimal.NewFromInt(25000)) {
		t.Errorf("expected 25000, got %s", lv.Notional())
	}
}

func TestWallStateNames(t *testing.T) {
	if WallConfirmed.String() != "confirmed" || WallGoneState.String() != "gone" {
		t.Error("wall state names wrong")
	}
}
