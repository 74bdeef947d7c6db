package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfarm/internal/types"
)

func TestParseCron_ValidExpressions(t *testing.T) {
	for _, expr := range []string{
		"0 9 * * *",
		"*/15 * * * *",
		"30 8 * * 1-5",
		"0 0 1 * *",
	} {
		t.Run(expr, func(t *testing.T) {
			require.NoError(t, ValidateCron(expr))
		})
	}
}

func TestParseCron_InvalidExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"not a cron",
		"0 9 * *",        // four fields
		"0 9 * * * *",    // six fields (seconds not supported)
		"@daily",         // descriptors not supported
		"61 9 * * *",     // minute out of range
	} {
		t.Run(expr, func(t *testing.T) {
			err := ValidateCron(expr)
			require.Error(t, err)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeValidationInvalidCron, appErr.Code)
			assert.Equal(t, expr, appErr.Details["cron_expression"])
		})
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 8, 20, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"daily at nine", "0 9 * * *", time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)},
		{"quarter hour", "*/15 * * * *", time.Date(2026, 8, 20, 8, 45, 0, 0, time.UTC)},
		{"first of month", "0 0 1 * *", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.expr, after)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestNextRun_StrictlyAfter(t *testing.T) {
	// A job firing exactly at its cron instant must schedule the next
	// instant, not the current one.
	at := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	got, err := NextRun("0 9 * * *", at)
	require.NoError(t, err)
	assert.True(t, got.After(at))
	assert.Equal(t, time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC), got)
}
