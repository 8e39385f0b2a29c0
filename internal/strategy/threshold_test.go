package strategy

import "testing"

func TestDynamicThresholdDisabled(t *testing.T) {
	got := DynamicThreshold(false, []float64{0.001, 0.002}, 0.0003, 0.0001, 0.0006)
	if got != 0.0003 {
		t.Fatalf("disabled threshold = %v, want base", got)
	}
}

func TestDynamicThresholdNoSamples(t *testing.T) {
	got := DynamicThreshold(true, nil, 0.0003, 0.0001, 0.0006)
	if got != 0.0003 {
		t.Fatalf("empty threshold = %v, want base", got)
	}
}

func TestDynamicThresholdHotMarket(t *testing.T) {
	rates := []float64{0.0001, 0.00015, 0.0002, 0.0009}
	got := DynamicThreshold(true, rates, 0.0003, 0.0001, 0.0006)
	if got != 0.0006 {
		t.Fatalf("hot market threshold = %v, want high bound 0.0006", got)
	}
}

func TestDynamicThresholdFlatMarket(t *testing.T) {
	rates := []float64{0.0001, 0.0001, 0.0001, 0.0001}
	got := DynamicThreshold(true, rates, 0.0003, 0.0001, 0.0006)
	if got != 0.0001 {
		t.Fatalf("flat market threshold = %v, want low bound", got)
	}
}

func TestDynamicThresholdMiddleMarket(t *testing.T) {
	rates := []float64{0.0001, 0.0002, 0.0003, 0.0004, 0.0005}
	got := DynamicThreshold(true, rates, 0.0003, 0.0001, 0.0006)
	if got != 0.0003 {
		t.Fatalf("middle market threshold = %v, want base", got)
	}
}

func TestDynamicThresholdFewSamples(t *testing.T) {
	cases := []struct {
		name  string
		rates []float64
		want  float64
	}{
		{"single low", []float64{0.0001}, 0.0001},
		{"single mid", []float64{0.00025}, 0.0003},
		{"single high", []float64{0.0005}, 0.0006},
		{"pair high", []float64{0.0005, 0.0007}, 0.0006},
	}
	for _, tc := range cases {
		got := DynamicThreshold(true, tc.rates, 0.0003, 0.0001, 0.0006)
		if got != tc.want {
			t.Fatalf("%s: threshold = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDynamicThresholdDoesNotMutateInput(t *testing.T) {
	rates := []float64{0.0009, 0.0001, 0.0002}
	DynamicThreshold(true, rates, 0.0003, 0.0001, 0.0006)
	if rates[0] != 0.0009 {
		t.Fatalf("input slice was reordered")
	}
}
