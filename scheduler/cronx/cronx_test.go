package cronx_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub008/scheduler/cronx"
)

func TestNextFiveField(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	next, err := cronx.Next("*/5 * * * *", after)
	require.NoError(t, err)
	assert.True(t, next.After(after))
	assert.Equal(t, 0, next.Minute()%5)
}

func TestNextSixFieldSeconds(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cronx.Next("*/10 * * * * *", after)
	require.NoError(t, err)
	assert.True(t, next.After(after))
}

func TestValidateRejectsGarbage(t *testing.T) {
	assert.Error(t, cronx.Validate("not a cron expression"))
	assert.NoError(t, cronx.Validate("@hourly"))
}
