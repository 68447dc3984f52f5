package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrand/backupd/internal/model"
)

// ---------- Daily ----------

func TestNextRun_Daily_BeforeTimeOfDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	sched := model.Schedule{Enabled: true, Frequency: model.FrequencyDaily, TimeOfDay: "02:00"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRun_Daily_AfterTimeOfDay_RollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	sched := model.Schedule{Enabled: true, Frequency: model.FrequencyDaily, TimeOfDay: "02:00"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRun_Daily_InvalidTimeOfDay(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)

	for _, tod := range []string{"", "25:00", "12:61", "noon", "12"} {
		_, err := NextRun(now, model.Schedule{Frequency: model.FrequencyDaily, TimeOfDay: tod})
		assert.Error(t, err, "time of day %q", tod)
	}
}

// ---------- Weekly ----------

func TestNextRun_Weekly_LaterThisWeek(t *testing.T) {
	// 2026-03-10 is a Tuesday.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyWeekly, TimeOfDay: "03:00", DayOfWeek: 5}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 13, 3, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Friday, next.Weekday())
}

func TestNextRun_Weekly_SameDayPastTime_RollsAWeek(t *testing.T) {
	// Tuesday 12:00, scheduled Tuesdays at 03:00.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyWeekly, TimeOfDay: "03:00", DayOfWeek: 2}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 17, 3, 0, 0, 0, time.UTC), next)
}

func TestNextRun_Weekly_InvalidDayOfWeek(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, err := NextRun(now, model.Schedule{Frequency: model.FrequencyWeekly, TimeOfDay: "03:00", DayOfWeek: 7})
	assert.Error(t, err)
}

// ---------- Monthly ----------

func TestNextRun_Monthly_LaterThisMonth(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyMonthly, TimeOfDay: "04:30", DayOfMonth: 15}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC), next)
}

func TestNextRun_Monthly_PastDay_RollsToNextMonth(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyMonthly, TimeOfDay: "04:30", DayOfMonth: 15}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 15, 4, 30, 0, 0, time.UTC), next)
}

func TestNextRun_Monthly_Day31_ClampsToShortMonth(t *testing.T) {
	// April has 30 days; a day-31 schedule fires on the 30th.
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyMonthly, TimeOfDay: "00:00", DayOfMonth: 31}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), next)
}

// ---------- Custom (cron) ----------

func TestNextRun_Custom_EveryFifteenMinutes(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 7, 30, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyCustom, Expression: "*/15 * * * *"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC), next)
}

func TestNextRun_Custom_NightlyAtTwo(t *testing.T) {
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyCustom, Expression: "0 2 * * *"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRun_Custom_FirstOfMonth(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyCustom, Expression: "30 1 1 * *"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 1, 30, 0, 0, time.UTC), next)
}

func TestNextRun_Custom_DayOfWeekOnly(t *testing.T) {
	// Sundays at 05:00. 2026-03-10 is a Tuesday.
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyCustom, Expression: "0 5 * * 0"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 5, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Sunday, next.Weekday())
}

func TestNextRun_Custom_SundayAsSeven(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	sched := model.Schedule{Frequency: model.FrequencyCustom, Expression: "0 5 * * 7"}

	next, err := NextRun(now, sched)
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, next.Weekday())
}

func TestNextRun_Custom_InvalidExpressions(t *testing.T) {
	now := time.Now()
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"a * * * *",
		"1-x * * * *",
		"*/0 * * * *",
	} {
		_, err := NextRun(now, model.Schedule{Frequency: model.FrequencyCustom, Expression: expr})
		assert.Error(t, err, "expression %q", expr)
	}
}

func TestNextRun_UnsupportedFrequency(t *testing.T) {
	_, err := NextRun(time.Now(), model.Schedule{Frequency: "hourly"})
	assert.Error(t, err)
}

// ---------- Cron field parsing ----------

func TestParseCronField_Forms(t *testing.T) {
	set, err := parseCronField("1,5,10-12,*/20", 0, 59)
	require.NoError(t, err)
	for _, v := range []int{0, 1, 5, 10, 11, 12, 20, 40} {
		assert.True(t, set[v], "expected %d in set", v)
	}
	assert.False(t, set[13])
	assert.False(t, set[59])
}

func TestCron_DomDowBothRestricted_EitherMatches(t *testing.T) {
	// "0 0 13 * 5" fires on the 13th and on every Friday.
	cron, err := parseCron("0 0 13 * 5")
	require.NoError(t, err)

	// 2026-03-12 is a Thursday; next match is Friday the 13th.
	next, ok := cron.next(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), next)

	// From the 14th, the next Friday (the 20th) matches before the
	// next 13th does.
	next, ok = cron.next(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), next)
}
