package jobcount

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCounterPerDay(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCounter()
	day := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	if n, err := c.Incr(ctx, "drv_1", day); err != nil || n != 1 {
		t.Fatalf("first incr: n=%d err=%v", n, err)
	}
	if n, err := c.Incr(ctx, "drv_1", day); err != nil || n != 2 {
		t.Fatalf("second incr: n=%d err=%v", n, err)
	}
	// same calendar day, different wall time
	if n, err := c.Incr(ctx, "drv_1", day.Add(5*time.Hour)); err != nil || n != 3 {
		t.Fatalf("same-day incr: n=%d err=%v", n, err)
	}

	if n, err := c.Get(ctx, "drv_1", day); err != nil || n != 3 {
		t.Fatalf("get: n=%d err=%v", n, err)
	}
	if n, err := c.Get(ctx, "drv_1", day.AddDate(0, 0, 1)); err != nil || n != 0 {
		t.Fatalf("next day should be zero: n=%d err=%v", n, err)
	}
	if n, err := c.Get(ctx, "drv_2", day); err != nil || n != 0 {
		t.Fatalf("other driver should be zero: n=%d err=%v", n, err)
	}
}
