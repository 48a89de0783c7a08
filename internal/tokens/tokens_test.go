package tokens

import "testing"

func TestApproximate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one two three four", 5},   // round(4 * 1.3) = 5
		{"a b c d e f g h i j", 13}, // round(10 * 1.3) = 13
		{"  leading   and   trailing  space ", 5},
	}
	for _, tt := range tests {
		if got := Approximate(tt.text); got != tt.want {
			t.Errorf("Approximate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestPackShortestFirst(t *testing.T) {
	items := []int{50, 10, 40, 30}
	batches := Pack(items, 60, func(n int) int { return n })
	if len(batches) == 0 {
		t.Fatal("expected batches")
	}
	// Shortest-first: 10+30 fit in the first batch, then 40, then 50.
	if len(batches[0]) != 2 || batches[0][0] != 10 || batches[0][1] != 30 {
		t.Errorf("first batch = %v, want [10 30]", batches[0])
	}
	total := 0
	for _, b := range batches {
		sum := 0
		for _, n := range b {
			sum += n
			total++
		}
		if sum > 60 && len(b) > 1 {
			t.Errorf("batch %v exceeds budget", b)
		}
	}
	if total != len(items) {
		t.Errorf("packed %d items, want %d", total, len(items))
	}
}

func TestPackOversizeAlone(t *testing.T) {
	items := []int{5, 200, 5}
	batches := Pack(items, 100, func(n int) int { return n })
	found := false
	for _, b := range batches {
		if len(b) == 1 && b[0] == 200 {
			found = true
		}
		for _, n := range b {
			if n == 200 && len(b) != 1 {
				t.Errorf("oversize item shares batch %v", b)
			}
		}
	}
	if !found {
		t.Error("oversize item missing from output")
	}
}

func TestPackEmpty(t *testing.T) {
	if batches := Pack(nil, 100, func(n int) int { return n }); batches != nil {
		t.Errorf("Pack(nil) = %v, want nil", batches)
	}
}
