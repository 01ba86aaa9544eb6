package project

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func count_lines(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func TestPidAutotuneClassic(t *testing.T) {
	rig := newTestRig(t, nil)

	var lines []string
	res, err := rig.core.PID_autotune(210, 0, 3, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)

	assert.GreaterOrEqual(t, count_lines(lines, " bias:"), 3)
	assert.GreaterOrEqual(t, count_lines(lines, " Kp:"), 1)

	require.Greater(t, res.Ku, 0.0)
	require.Greater(t, res.Tu, 0.0)
	assert.InDelta(t, 0.6*res.Ku, res.Kp, 1e-9)
	assert.InDelta(t, 2*res.Kp/res.Tu, res.Ki, 1e-9)
	assert.InDelta(t, res.Kp*res.Tu/8, res.Kd, 1e-9)

	// regulation resumes after the tune
	assert.False(t, rig.core.Pid_tuning_running())
}

func TestPidAutotuneVariantGains(t *testing.T) {
	kp, ki, kd := tune_gains("no_overshoot", 100, 40)
	assert.InDelta(t, 20.0, kp, 1e-9)
	assert.InDelta(t, 1.0, ki, 1e-9)
	assert.InDelta(t, kp*40/3, kd, 1e-9)

	kp, ki, kd = tune_gains("some_overshoot", 100, 40)
	assert.InDelta(t, 33.0, kp, 1e-9)
	assert.InDelta(t, kp/40, ki, 1e-9)
	assert.InDelta(t, kp*40/3, kd, 1e-9)
}

func TestPidAutotuneBadExtruder(t *testing.T) {
	rig := newTestRig(t, nil)
	var lines []string
	_, err := rig.core.PID_autotune(210, 7, 3, func(s string) { lines = append(lines, s) })
	require.Error(t, err)
	assert.Contains(t, lines[len(lines)-1], "Bad extruder number")
}

func TestPidAutotuneTemperatureTooHigh(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.plant.Freeze(ADC_HOTEND_0, 250)

	var lines []string
	_, err := rig.core.PID_autotune(210, 0, 3, func(s string) { lines = append(lines, s) })
	require.Error(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "Temperature too high")
	assert.False(t, rig.core.Pid_tuning_running())
}

// The warm-up safety check: a heater that never rises above ambient aborts
// the tune through the runaway stop path.
func TestPidAutotuneNotRisingAborts(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.plant.Freeze(ADC_HOTEND_0, 100)

	var lines []string
	_, err := rig.core.PID_autotune(210, 0, 3, func(s string) { lines = append(lines, s) })
	require.Error(t, err)
	assert.Contains(t, strings.Join(lines, "\n"), "Temperature not rising")
	assert.True(t, rig.core.Is_stopped())
	assert.True(t, rig.alerts.Contains("THERMAL RUNAWAY"))
}

func TestPidAutotuneBed(t *testing.T) {
	rig := newTestRig(t, nil)
	// a livelier bed keeps the relay cycles inside the test budget
	rig.plant.Bed = &HeaterBody{P: 400., C: 150., R: 0.9, T: 25.}

	var lines []string
	res, err := rig.core.PID_autotune(70, -1, 3, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Greater(t, res.Ku, 0.0)
	assert.GreaterOrEqual(t, count_lines(lines, "B:"), 1)
}
