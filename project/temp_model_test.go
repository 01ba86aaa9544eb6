package project

import (
	"math"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calibrate_to_plant installs model parameters matching the simulated plant.
func calibrate_to_plant(rig *testRig) {
	m := rig.core.Model()
	// C, P, Ta_corr matching the plant; thresholds widened to sit above the
	// residual transients the quantized simulation produces
	m.Set_params(10, 40, 0, 2.4, 3.5)
	for i := 0; i < TEMP_MODEL_R_SIZE; i++ {
		m.Set_resistance(i, 20)
	}
	m.Set_enabled(true)
}

func TestModelCalibratedGate(t *testing.T) {
	rig := newTestRig(t, nil)
	m := rig.core.Model()

	// factory state: C and R are NaN, model must refuse to enable
	assert.False(t, m.Calibrated())
	m.Set_enabled(true)
	assert.False(t, m.Enabled())

	calibrate_to_plant(rig)
	assert.True(t, m.Calibrated())
	assert.True(t, m.Enabled())
}

func TestModelLagBufferInvariant(t *testing.T) {
	rig := newTestRig(t, nil)
	calibrate_to_plant(rig)
	m := rig.core.Model()

	rig.core.Set_target_hotend(210, 0)
	for i := 0; i < 500; i++ {
		rig.tick()
		if m.data.dT_lag_idx >= TEMP_MODEL_LAG_SIZE {
			t.Fatalf("lag index %d out of range", m.data.dT_lag_idx)
		}
	}
}

// A healthy heat-up tracked by a matching model raises neither warning nor
// error.
func TestModelQuietOnHealthyPlant(t *testing.T) {
	rig := newTestRig(t, nil)
	calibrate_to_plant(rig)

	rig.core.Set_target_hotend(210, 0)
	rig.run_seconds(150)

	assert.False(t, rig.core.Err().Present(), "state: %+v", rig.core.Err().Get())
	assert.False(t, rig.core.Model().Warning_pending())
}

// A clogged/misreading hotend: full drive with no temperature response makes
// the residual cross warn, then err; the fault latches, and uniquely for the
// model it de-asserts and clears once the residual subsides.
func TestModelDetectsClog(t *testing.T) {
	rig := newTestRig(t, nil)
	calibrate_to_plant(rig)

	rig.plant.Freeze(ADC_HOTEND_0, 25)
	rig.core.Set_target_hotend(210, 0)

	ticks := 0
	for ; ticks < 600 && !rig.core.Err().Present(); ticks++ {
		rig.tick()
		rig.core.Manage_heater()
	}

	state := rig.core.Err().Get()
	require.True(t, state.Present, "model error never latched")
	assert.Equal(t, TempErrorTypeModel, state.Type)
	assert.Equal(t, TempErrorSourceHotend, state.Source)
	assert.True(t, rig.alerts.Contains(MSG_THERMAL_ANOMALY), "warning must precede the error")
	assert.True(t, rig.board.Beeper(), "beeper must sound while asserted")
	assert.Equal(t, uint8(0), rig.core.Get_heater_power(0))

	// with the heater off the residual decays; the model error de-asserts
	// and the handler clears it
	rig.run_seconds(120)
	assert.False(t, rig.core.Err().Present(), "model error must clear after de-assertion")
	assert.False(t, rig.board.Beeper())
}

func TestModelSettingsRoundTrip(t *testing.T) {
	rig := newTestRig(t, nil)
	calibrate_to_plant(rig)
	m := rig.core.Model()

	require.NoError(t, m.Save_settings())

	// a fresh store sees the persisted calibration
	store := NewVarStore(rig.cfg.StoreFilename)
	p, ok := store.Get_float(KEY_TM_P)
	require.True(t, ok)
	assert.InDelta(t, 40, p, 1e-6)

	// wipe the live state and reload
	m.Reset_settings()
	assert.False(t, m.Calibrated())
	m.Load_settings()
	assert.True(t, m.Calibrated())
	assert.InDelta(t, 10, float64(m.data.C), 1e-4)
	assert.InDelta(t, 20, float64(m.data.R[7]), 1e-4)
}

func TestModelInvalidStoreResets(t *testing.T) {
	rig := newTestRig(t, nil)
	m := rig.core.Model()

	// a partial calibration (negative R) must reset to defaults, disabled
	rig.store.Set_float(KEY_TM_C, 11)
	rig.store.Set_float(key_tm_r(3), -4)
	m.Load_settings()

	assert.False(t, m.Enabled())
	assert.True(t, math32.IsNaN(m.data.C), "defaults leave C unset")
}

func TestModelWarnNeverAboveErr(t *testing.T) {
	rig := newTestRig(t, nil)
	m := rig.core.Model()
	m.Set_params(math.NaN(), math.NaN(), math.NaN(), 5.0, 2.0)
	assert.LessOrEqual(t, m.data.warn, m.data.err)
}

func TestModelReportShape(t *testing.T) {
	rig := newTestRig(t, nil)
	calibrate_to_plant(rig)

	var lines []string
	rig.core.Model().Report_settings(func(s string) { lines = append(lines, s) })
	require.Len(t, lines, 1+TEMP_MODEL_R_SIZE+1)
	assert.Contains(t, lines[1], "M310 I0 R20.00")
	assert.Contains(t, lines[len(lines)-1], "P40.00")
	assert.Contains(t, lines[len(lines)-1], "S1")
}
