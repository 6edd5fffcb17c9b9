package indicator

import (
	"errors"
	"math"
	"testing"
)

func bars(closes []float64, spread float64) (h, l []float64) {
	h = make([]float64, len(closes))
	l = make([]float64, len(closes))
	for i, c := range closes {
		h[i] = c + spread
		l[i] = c - spread
	}
	return h, l
}

func TestTrendBand_InsufficientData(t *testing.T) {
	c := []float64{1, 2}
	h, l := bars(c, 1)
	if _, err := TrendBand(h, l, c, 3, 2); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestTrendBand_WarmupIsNaNAndDefaultsUp(t *testing.T) {
	c := []float64{10, 11, 12, 13, 14, 15}
	h, l := bars(c, 1)
	b, err := TrendBand(h, l, c, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if !math.IsNaN(b.Value[i]) {
			t.Errorf("index %d: expected NaN, got %v", i, b.Value[i])
		}
		if b.Direction[i] != Up {
			t.Errorf("index %d: expected default up, got %v", i, b.Direction[i])
		}
	}
	if math.IsNaN(b.Value[2]) {
		t.Error("expected a value once ATR is seeded")
	}
}

func TestTrendBand_FirstBand(t *testing.T) {
	// TR = [2, 2, 2] → ATR(3) seed = 2; hl2 = 12; bands 12 ± 2*2
	c := []float64{10, 11, 12}
	h, l := bars(c, 1)
	b, err := TrendBand(h, l, c, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "upper", b.Upper[2], 16, 1e-9)
	assertClose(t, "lower", b.Lower[2], 8, 1e-9)
	assertClose(t, "value", b.Value[2], 8, 1e-9)
}

func TestTrendBand_TightensWhileHeldAndFlips(t *testing.T) {
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110,
		109, 108, 104, 98, 92, 88, 85, 83, 82, 81}
	h, l := bars(closes, 1)
	b, err := TrendBand(h, l, closes, 3, 1.5)
	if err != nil {
		t.Fatal(err)
	}

	flippedDown := false
	for i := 3; i < len(closes); i++ {
		if b.Direction[i] != b.Direction[i-1] {
			if b.Direction[i] == Down {
				flippedDown = true
				if closes[i] >= b.Lower[i-1] {
					t.Errorf("index %d: flipped down without breaking lower band", i)
				}
			}
			continue
		}
		if b.Direction[i] == Up && b.Value[i] < b.Value[i-1] {
			t.Errorf("index %d: up band loosened %v → %v", i, b.Value[i-1], b.Value[i])
		}
		if b.Direction[i] == Down && b.Value[i] > b.Value[i-1] {
			t.Errorf("index %d: down band loosened %v → %v", i, b.Value[i-1], b.Value[i])
		}
	}
	if !flippedDown {
		t.Error("expected a flip to down on the sell-off")
	}
	if b.Direction[len(closes)-1] != Down {
		t.Error("expected down trend at the end")
	}
}
