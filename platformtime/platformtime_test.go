package platformtime_test

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/platformtime"
)

func TestMonotonicSecondsAdvancesWithClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(base)
	src := platformtime.New(clk)

	require.Equal(t, float64(0), src.MonotonicSeconds())

	clk.Advance(5 * time.Second)
	assert.Equal(t, float64(5), src.MonotonicSeconds())
	assert.True(t, src.Now().Equal(base.Add(5*time.Second)))
}

func TestWallClockIsUsable(t *testing.T) {
	before := platformtime.WallClock.Now()
	assert.False(t, before.IsZero())
}
