package csvmodel

import "testing"

func TestBatchCount(t *testing.T) {
	cases := []struct {
		rows int
		want int
	}{
		{0, 0},
		{1, 1},
		{1000, 1},
		{1001, 2},
		{2500, 3},
	}
	for _, c := range cases {
		if got := BatchCount(c.rows, 1000); got != c.want {
			t.Errorf("BatchCount(%d, 1000) = %d, want %d", c.rows, got, c.want)
		}
	}
}

func TestIsLast(t *testing.T) {
	b := BatchDescriptor{BatchNumber: 3, TotalBatches: 3}
	if !b.IsLast() {
		t.Fatal("expected final batch to be last")
	}
	b.BatchNumber = 2
	if b.IsLast() {
		t.Fatal("expected non-final batch to not be last")
	}
}
