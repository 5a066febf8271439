package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseIntervalSimple(t *testing.T) {
	d, err := parseInterval("30s")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)
}

func TestParseIntervalConcatenatedUnits(t *testing.T) {
	d, err := parseInterval("1h30m")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)
}

func TestParseIntervalDays(t *testing.T) {
	d, err := parseInterval("2d")
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, d)
}

func TestParseIntervalRejectsGarbage(t *testing.T) {
	_, err := parseInterval("banana")
	require.Error(t, err)

	_, err = parseInterval("5x")
	require.Error(t, err)

	_, err = parseInterval("5s garbage")
	require.Error(t, err)
}

func TestParseOnceISO8601(t *testing.T) {
	_, err := parseOnce("2026-08-01T15:04:05Z")
	require.NoError(t, err)
}

func TestParseCronExpression(t *testing.T) {
	s := &Schedule{Kind: KindCron, Expression: "*/5 * * * *"}
	require.NoError(t, parse(s))
	require.NotNil(t, s.parsed.cronSchedule)
}

func TestParseRejectsBadCronExpression(t *testing.T) {
	s := &Schedule{Kind: KindCron, Expression: "not a cron"}
	require.Error(t, parse(s))
}
