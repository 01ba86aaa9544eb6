// Energy-balance observer for the hotend
//
// Runs a first-order lumped thermal model alongside the plant every manager
// tick and watches the filtered residual between predicted and measured
// temperature deltas. The model state is float32 end to end: the residual
// thresholds sit well above single precision noise and the original stored
// the calibration as 32-bit floats.
package project

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"t3c/common/logger"
)

const (
	TEMP_MODEL_R_SIZE   = 16
	TEMP_MODEL_LAG_SIZE = 8
	TEMP_MODEL_fS       = 0.065
	TEMP_MODEL_fE       = 0.05
)

// persistent store keys
const (
	KEY_TM_ENABLE  = "TM_ENABLE"
	KEY_TM_P       = "TM_P"
	KEY_TM_C       = "TM_C"
	KEY_TM_TA_CORR = "TM_Ta_corr"
	KEY_TM_W       = "TM_W"
	KEY_TM_E       = "TM_E"
	KEY_PINDA_COMP = "PINDA_COMP"
)

func key_tm_r(i int) string { return fmt.Sprintf("TM_R%d", i) }

type TempModelData struct {
	// calibration
	P       float32 // heater power at full duty, W
	C       float32 // heat capacity, J/K
	Ta_corr float32 // ambient sensor correction, K
	R       [TEMP_MODEL_R_SIZE]float32 // thermal resistance vs fan duty, K/W
	warn    float32 // residual warning threshold, K/s
	err     float32 // residual error threshold, K/s

	// pre-computed invariants
	C_i    float32
	warn_s float32
	err_s  float32

	// runtime
	dT_lag_buf  [TEMP_MODEL_LAG_SIZE]float32
	dT_lag_idx  uint8
	T_prev      float32
	dT_err_prev float32

	flag_uninitialized bool
	flag_warning       bool
	flag_error         bool
}

// Reset re-seeds the runtime state from the current readings and performs
// one step to initialize the first delta.
func (self *TempModelData) Reset(heaterPwm, fanPwm uint8, heaterTemp, ambientTemp float32) {
	self.C_i = TEMP_MGR_INTV / self.C
	self.warn_s = self.warn * TEMP_MGR_INTV
	self.err_s = self.err * TEMP_MGR_INTV

	self.dT_lag_buf = [TEMP_MODEL_LAG_SIZE]float32{}
	self.dT_lag_idx = 0
	self.dT_err_prev = 0
	self.T_prev = heaterTemp

	self.Step(heaterPwm, fanPwm, heaterTemp, ambientTemp)

	self.flag_uninitialized = false
}

// Step advances the model one manager interval.
func (self *TempModelData) Step(heaterPwm, fanPwm uint8, heaterTemp, ambientTemp float32) {
	const softPwmInv = 1. / float32((1<<7)-1)

	heaterScale := softPwmInv * float32(heaterPwm)
	curHeaterTemp := heaterTemp
	curAmbientTemp := ambientTemp + self.Ta_corr
	curR := self.R[fanPwm] // resistance at current fan power (K/W)

	dP := self.P * heaterScale                  // current power (W)
	dPl := (curHeaterTemp - curAmbientTemp) / curR // leakage power (W)
	dT := (dP - dPl) * self.C_i                 // expected delta (K)

	// filter and lag dT
	dTNextIdx := uint8(0)
	if self.dT_lag_idx != TEMP_MODEL_LAG_SIZE-1 {
		dTNextIdx = self.dT_lag_idx + 1
	}
	dTLag := self.dT_lag_buf[dTNextIdx]
	dTLagPrev := self.dT_lag_buf[self.dT_lag_idx]
	dTF := dTLagPrev*(1.-TEMP_MODEL_fS) + dT*TEMP_MODEL_fS
	self.dT_lag_buf[dTNextIdx] = dTF
	self.dT_lag_idx = dTNextIdx

	// calculate and filter the residual
	dTErr := (curHeaterTemp - self.T_prev) - dTLag
	dTErrF := self.dT_err_prev*(1.-TEMP_MODEL_fE) + dTErr*TEMP_MODEL_fE
	self.T_prev = curHeaterTemp
	self.dT_err_prev = dTErrF

	self.flag_error = math32.Abs(dTErrF) > self.err_s
	self.flag_warning = math32.Abs(dTErrF) > self.warn_s
}

type TempModelWarningState struct {
	warning bool
	assert  bool
	dT_err  float32
}

type TempModel struct {
	core *TempCore

	enabled   bool
	warn_beep bool

	data          TempModelData
	warning_state TempModelWarningState

	warn_first   bool
	beeper_state bool

	// debug trace
	log_counter uint8
	log_serial  uint8
	log_pwm     uint8
	log_temp    float32
	log_amb     float32
}

func NewTempModel(core *TempCore) *TempModel {
	self := &TempModel{}
	self.core = core
	self.warn_first = true
	self.Reset_settings()
	return self
}

func (self *TempModel) Enabled() bool { return self.enabled }

func (self *TempModel) Data() *TempModelData { return &self.data }

// Setup verifies the calibration and schedules a model re-seed.
func (self *TempModel) Setup() {
	if !self.Calibrated() {
		self.enabled = false
	}
	self.data.flag_uninitialized = true
}

func (self *TempModel) Calibrated() bool {
	if !(self.data.P > 0) {
		return false
	}
	if !(self.data.C > 0) {
		return false
	}
	if math32.IsNaN(self.data.Ta_corr) || math.IsInf(float64(self.data.Ta_corr), 0) {
		return false
	}
	for i := 0; i != TEMP_MODEL_R_SIZE; i++ {
		if !(self.data.R[i] >= 0) {
			return false
		}
	}
	if math32.IsNaN(self.data.warn) || math.IsInf(float64(self.data.warn), 0) {
		return false
	}
	if math32.IsNaN(self.data.err) || math.IsInf(float64(self.data.err), 0) {
		return false
	}
	return true
}

// fan_r_index maps the commanded fan speed onto the R table.
func (self *TempModel) fan_r_index() uint8 {
	return self.core.fan_speed_soft_pwm / (256 / TEMP_MODEL_R_SIZE)
}

// Check runs from the manager tick (mgr_mu held).
func (self *TempModel) Check() {
	if !self.enabled {
		return
	}

	heaterPwm := self.core.soft_pwm[0]
	fanPwm := self.fan_r_index()
	heaterTemp := float32(self.core.current_temperature_isr[0])
	ambientTemp := float32(self.core.current_temperature_ambient_isr)

	// a reset needs valid ADC values, so it cannot happen during init
	if self.data.flag_uninitialized {
		self.data.Reset(heaterPwm, fanPwm, heaterTemp, ambientTemp)
	}

	self.data.Step(heaterPwm, fanPwm, heaterTemp, ambientTemp)

	if self.data.flag_error {
		self.core.set_temp_error(TempErrorSourceHotend, 0, TempErrorTypeModel)
	}

	// warnings are lower priority but get greater feedback
	self.warning_state.assert = self.data.flag_warning
	if self.warning_state.assert {
		self.warning_state.warning = true
		self.warning_state.dT_err = self.data.dT_err_prev
	}

	if self.core.cfg.Model.Debug {
		self.log_isr()
	}
}

func (self *TempModel) Warning_pending() bool {
	return self.warning_state.warning
}

// Handle_warning runs from the foreground on every manager cycle while a
// warning is pending.
func (self *TempModel) Handle_warning() {
	warn := self.data.warn
	var dTErr float32
	func() {
		defer self.core.Temp_mgr_guard()()
		dTErr = self.warning_state.dT_err
	}()
	dTErr /= TEMP_MGR_INTV // per-sample => K/s

	logger.Warnf("TM: error |%f|>%f", dTErr, warn)

	if self.warning_state.assert {
		if self.warn_first {
			self.warn_first = false
			if self.warn_beep {
				self.core.alerts.Set_alert_status(MSG_THERMAL_ANOMALY, LCD_STATUS_INFO)
				self.beeper_state = true
				self.core.board.Write_beeper_pin(true)
			}
		} else if self.warn_beep {
			self.beeper_state = !self.beeper_state
			self.core.board.Write_beeper_pin(self.beeper_state)
		}
	} else {
		// warning cleared, reset state
		self.warning_state.warning = false
		if self.warn_beep {
			self.beeper_state = false
			self.core.board.Write_beeper_pin(false)
		}
		self.warn_first = true
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Parameter management
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (self *TempModel) Set_enabled(enabled bool) {
	func() {
		defer self.core.Temp_mgr_guard()()
		self.enabled = enabled
		self.Setup()
	}()

	if enabled && !self.enabled {
		logger.Errorf("TM: invalid parameters, cannot enable")
	}
}

func (self *TempModel) Set_warn_beep(enabled bool) {
	self.warn_beep = enabled
}

// Set_params updates any non-NaN parameter, keeping warn <= err.
func (self *TempModel) Set_params(C, P, TaCorr, warn, err float64) {
	defer self.core.Temp_mgr_guard()()

	if !math32.IsNaN(float32(C)) && C > 0 {
		self.data.C = float32(C)
	}
	if !math32.IsNaN(float32(P)) && P > 0 {
		self.data.P = float32(P)
	}
	if !math32.IsNaN(float32(TaCorr)) {
		self.data.Ta_corr = float32(TaCorr)
	}
	if !math32.IsNaN(float32(err)) && err > 0 {
		self.data.err = float32(err)
	}
	if !math32.IsNaN(float32(warn)) && warn > 0 {
		self.data.warn = float32(warn)
	}

	if self.data.warn > self.data.err {
		self.data.warn = self.data.err
	}

	self.Setup()
}

func (self *TempModel) Set_resistance(index int, R float64) {
	if index < 0 || index >= TEMP_MODEL_R_SIZE || R <= 0 {
		return
	}
	defer self.core.Temp_mgr_guard()()
	self.data.R[index] = float32(R)
	self.Setup()
}

func (self *TempModel) Report_settings(respond func(string)) {
	respond("Temperature Model settings:")
	for i := 0; i != TEMP_MODEL_R_SIZE; i++ {
		respond(fmt.Sprintf("  M310 I%d R%.2f", i, self.data.R[i]))
	}
	enabled, warnBeep := 0, 0
	if self.enabled {
		enabled = 1
	}
	if self.warn_beep {
		warnBeep = 1
	}
	respond(fmt.Sprintf("  M310 P%.2f C%.2f S%d B%d E%.2f W%.2f T%.2f",
		self.data.P, self.data.C, enabled, warnBeep,
		self.data.err, self.data.warn, self.data.Ta_corr))
}

func (self *TempModel) Reset_settings() {
	defer self.core.Temp_mgr_guard()()

	self.data.P = float32(self.core.cfg.Model.P)
	self.data.C = math32.NaN()
	for i := 0; i != TEMP_MODEL_R_SIZE; i++ {
		self.data.R[i] = math32.NaN()
	}
	self.data.Ta_corr = float32(self.core.cfg.Model.TaCorr)
	self.data.warn = float32(self.core.cfg.Model.Warn)
	self.data.err = float32(self.core.cfg.Model.Err)
	self.warn_beep = true
	self.enabled = false
}

// Load_settings pulls the calibration from the persistent store, falling
// back to defaults (model disabled) when the stored set is invalid.
func (self *TempModel) Load_settings() {
	store := self.core.store

	func() {
		defer self.core.Temp_mgr_guard()()
		if enable, ok := store.Get_byte(KEY_TM_ENABLE); ok {
			self.enabled = enable != 0
		}
		if v, ok := store.Get_float(KEY_TM_P); ok {
			self.data.P = float32(v)
		}
		if v, ok := store.Get_float(KEY_TM_C); ok {
			self.data.C = float32(v)
		}
		for i := 0; i != TEMP_MODEL_R_SIZE; i++ {
			if v, ok := store.Get_float(key_tm_r(i)); ok {
				self.data.R[i] = float32(v)
			}
		}
		if v, ok := store.Get_float(KEY_TM_TA_CORR); ok {
			self.data.Ta_corr = float32(v)
		}
		if v, ok := store.Get_float(KEY_TM_W); ok {
			self.data.warn = float32(v)
		}
		if v, ok := store.Get_float(KEY_TM_E); ok {
			self.data.err = float32(v)
		}
	}()

	if !self.Calibrated() {
		logger.Warnf("TM: stored calibration invalid, resetting")
		self.Reset_settings()
	}
	defer self.core.Temp_mgr_guard()()
	self.Setup()
}

func (self *TempModel) Save_settings() error {
	store := self.core.store
	enable := byte(0)
	if self.enabled {
		enable = 1
	}
	store.Set_byte(KEY_TM_ENABLE, enable)
	store.Set_float(KEY_TM_P, float64(self.data.P))
	store.Set_float(KEY_TM_C, float64(self.data.C))
	for i := 0; i != TEMP_MODEL_R_SIZE; i++ {
		store.Set_float(key_tm_r(i), float64(self.data.R[i]))
	}
	store.Set_float(KEY_TM_TA_CORR, float64(self.data.Ta_corr))
	store.Set_float(KEY_TM_W, float64(self.data.warn))
	store.Set_float(KEY_TM_E, float64(self.data.err))
	return store.Save()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Debug trace
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// log_isr records the last manager sample (mgr_mu held).
func (self *TempModel) log_isr() {
	self.log_counter++
	self.log_pwm = self.core.soft_pwm[0]
	self.log_temp = float32(self.core.current_temperature_isr[0])
	self.log_amb = float32(self.core.current_temperature_ambient_isr)
}

// Log_usr emits the trace line from the foreground.
func (self *TempModel) Log_usr() {
	var counter, pwm uint8
	var temp, amb float32
	func() {
		defer self.core.Temp_mgr_guard()()
		counter = self.log_counter
		pwm = self.log_pwm
		temp = self.log_temp
		amb = self.log_amb
	}()
	if counter == self.log_serial {
		return
	}
	d := counter - self.log_serial
	self.log_serial = counter
	logger.Debugf("TML %d %x %f %f", d-1, pwm, temp, amb)
}
