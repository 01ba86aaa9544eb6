// Temperature manager core
//
// Owns every field the two tick contexts share, the raw limit checks and the
// latched error handling. The soft PWM tick and the manager tick are driven
// by the board wiring; the foreground calls Manage_heater.
package project

import (
	"fmt"
	"sync"
	"sync/atomic"

	"t3c/common/lock"
	"t3c/common/logger"
)

const (
	// temperature manager cadence, seconds (~3.7 Hz)
	TEMP_MGR_INTV = 0.27

	PID_MAX                = 255
	MAX_BED_POWER          = 255
	PID_INTEGRAL_DRIVE_MAX = 255.
	PID_K1                 = 0.95
	PID_dT                 = TEMP_MGR_INTV

	TEMP_HYSTERESIS    = 3.0
	BED_CHECK_INTERVAL = 5000 // ms
)

type AlertSeverity uint8

const (
	LCD_STATUS_INFO AlertSeverity = iota
	LCD_STATUS_CRITICAL
)

// AlertSink receives the short operator-facing tokens.
type AlertSink interface {
	Set_alert_status(msg string, severity AlertSeverity)
}

// BoardIO is the complete GPIO surface the core drives.
type BoardIO interface {
	Write_heater_pin(e int, on bool)
	// hardware comparator carrying the bed heater at its slow carrier, 0..255
	Set_bed_pwm0(duty uint8)
	Write_fan_pin(on bool)
	Write_beeper_pin(on bool)
	Wdt_reset()
}

// ShortTimer is a millisecond one-shot used by the delayed min checks.
type ShortTimer struct {
	started bool
	mark    int64
}

func (self *ShortTimer) Start(now int64) {
	self.started = true
	self.mark = now
}

func (self *ShortTimer) Running() bool {
	return self.started
}

func (self *ShortTimer) Expired(now, delay int64) bool {
	return self.started && now-self.mark > delay
}

type TempCore struct {
	cfg    *PrinterConfig
	board  BoardIO
	alerts AlertSink
	millis func() int64

	adc *AdcSampler

	tables        [MAX_EXTRUDERS]*TempTable
	bed_table     *TempTable
	ambient_table *TempTable
	pinda_table   *TempTable

	minttemp_raw [MAX_EXTRUDERS]int
	maxttemp_raw [MAX_EXTRUDERS]int
	minttemp     [MAX_EXTRUDERS]float64
	maxttemp     [MAX_EXTRUDERS]float64

	bed_minttemp_raw     int
	bed_maxttemp_raw     int
	ambient_minttemp_raw int
	ambient_maxttemp_raw int

	// mgr_mu is what the TempMgrGuard takes: holding it excludes the manager
	// tick, making foreground mutation of ISR-visible state safe.
	mgr_mu sync.Mutex

	// foreground mirrors
	target_temperature          [MAX_EXTRUDERS]int
	target_temperature_bed      int
	current_temperature         [MAX_EXTRUDERS]float64
	current_temperature_bed     float64
	current_temperature_ambient float64
	current_temperature_pinda   float64

	// manager tick mirrors (guarded by mgr_mu)
	current_temperature_raw         [MAX_EXTRUDERS]int
	current_temperature_bed_raw     int
	current_temperature_raw_ambient int
	current_temperature_raw_pinda   int
	current_voltage_raw_pwr         int
	current_temperature_isr         [MAX_EXTRUDERS]float64
	current_temperature_bed_isr     float64
	current_temperature_ambient_isr float64
	current_temperature_pinda_isr   float64
	target_temperature_isr          [MAX_EXTRUDERS]int
	target_temperature_bed_isr      int

	temp_meas_ready atomic.Bool

	// duty registers, shared with the soft PWM tick
	duty_lock          lock.SpinLock
	soft_pwm           [MAX_EXTRUDERS]uint8
	soft_pwm_bed       uint8
	fan_speed_soft_pwm uint8
	fan_speed_bckp     uint8

	pwm     *SoftPwm
	pid     *TempPid
	runaway *TempRunaway
	model   *TempModel
	store   *VarStore

	err                        TempErrorState
	saved_extruder_temperature int
	saved_bed_temperature      int
	saved_fan_speed            uint8

	pid_tuning_finished atomic.Bool

	// min check gating state
	bChecking_on_heater bool
	bChecking_on_bed    bool
	timer4minTempHeater ShortTimer
	timer4minTempBed    ShortTimer

	alert_automaton_hotend *AlertAutomatonMintemp
	alert_automaton_bed    *AlertAutomatonMintemp
	last_alert_sent        uint8

	stopped atomic.Bool

	temp_mgr_cycles atomic.Uint32

	// foreground hooks supplied by the wiring
	waiting_handler func()
	check_fans      func()
	printer_busy    func() bool
}

func NewTempCore(cfg *PrinterConfig, board BoardIO, alerts AlertSink, driver AdcDriver, store *VarStore, millis func() int64) *TempCore {
	self := &TempCore{}
	self.cfg = cfg
	self.board = board
	self.alerts = alerts
	self.millis = millis
	self.store = store

	channels := []AdcChannel{ADC_BED, ADC_VOLT_PWR}
	for e := 0; e < cfg.HotendCount; e++ {
		channels = append(channels, ADC_HOTEND_0+AdcChannel(e))
	}
	if cfg.HasAmbient {
		channels = append(channels, ADC_AMBIENT)
	}
	if cfg.HasPinda {
		channels = append(channels, ADC_PINDA)
	}
	self.adc = NewAdcSampler(driver, channels)

	for e := 0; e < cfg.HotendCount; e++ {
		self.tables[e] = Lookup_sensor(cfg.HotendSensorType)
	}
	self.bed_table = Lookup_sensor(cfg.BedSensorType)
	if cfg.BedOffset != nil {
		self.bed_table.With_bed_offset(cfg.BedOffset)
	}
	if cfg.HasAmbient {
		self.ambient_table = Lookup_sensor(cfg.AmbientSensorType)
	}
	if cfg.HasPinda {
		self.pinda_table = Lookup_sensor(cfg.BedSensorType)
	}

	// precompute the raw thresholds by inverting each table
	for e := 0; e < cfg.HotendCount; e++ {
		self.minttemp[e] = cfg.Limits.HotendMintemp
		self.maxttemp[e] = cfg.Limits.HotendMaxtemp
		self.minttemp_raw[e] = self.tables[e].Min_raw_threshold(cfg.Limits.HotendMintemp)
		self.maxttemp_raw[e] = self.tables[e].Max_raw_threshold(cfg.Limits.HotendMaxtemp)
	}
	self.bed_minttemp_raw = self.bed_table.Min_raw_threshold(cfg.Limits.BedMintemp)
	self.bed_maxttemp_raw = self.bed_table.Max_raw_threshold(cfg.Limits.BedMaxtemp)
	if cfg.HasAmbient {
		self.ambient_minttemp_raw = self.ambient_table.Min_raw_threshold(cfg.Limits.AmbientMintemp)
		self.ambient_maxttemp_raw = self.ambient_table.Max_raw_threshold(cfg.Limits.AmbientMaxtemp)
	}

	self.pwm = NewSoftPwm(self)
	self.pid = NewTempPid(self)
	self.runaway = NewTempRunaway(self)
	self.model = NewTempModel(self)
	if cfg.HasModel && store != nil {
		self.model.Load_settings()
	}

	self.alert_automaton_hotend = NewAlertAutomatonMintemp(self, MSG_MINTEMP_HOTEND_FIXED)
	self.alert_automaton_bed = NewAlertAutomatonMintemp(self, MSG_MINTEMP_BED_FIXED)

	self.pid_tuning_finished.Store(true)
	self.waiting_handler = func() {}
	self.check_fans = func() {}
	self.printer_busy = func() bool { return false }

	// arm the first conversion so the first tick has data
	self.adc.Start_cycle()
	return self
}

func (self *TempCore) Adc() *AdcSampler      { return self.adc }
func (self *TempCore) Pwm() *SoftPwm         { return self.pwm }
func (self *TempCore) Model() *TempModel     { return self.model }
func (self *TempCore) Err() *TempErrorState { return &self.err }
func (self *TempCore) Config() *PrinterConfig { return self.cfg }
func (self *TempCore) Store() *VarStore       { return self.store }

func (self *TempCore) Set_waiting_handler(fn func()) {
	if fn != nil {
		self.waiting_handler = fn
	}
}

func (self *TempCore) Set_check_fans(fn func()) {
	if fn != nil {
		self.check_fans = fn
	}
}

func (self *TempCore) Set_printer_busy(fn func() bool) {
	if fn != nil {
		self.printer_busy = fn
	}
}

// Temp_mgr_guard suspends the manager tick for a foreground critical section.
// Usage: defer core.Temp_mgr_guard()()
func (self *TempCore) Temp_mgr_guard() func() {
	self.mgr_mu.Lock()
	return self.mgr_mu.Unlock
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Manager tick
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Temp_mgr_tick is the periodic manager entry. It consumes the finished ADC
// cycle, immediately re-arms the sampler and runs one regulation step.
func (self *TempCore) Temp_mgr_tick() {
	if !self.adc.Values_ready() {
		return
	}
	self.mgr_mu.Lock()
	defer self.mgr_mu.Unlock()

	self.adc.Clear_ready()
	snapshot := self.adc.Snapshot()
	self.adc.Start_cycle()

	self.drain_adc_snapshot(snapshot)
	self.temp_mgr_isr()
}

func (self *TempCore) drain_adc_snapshot(snapshot [ADC_CHANNEL_COUNT]int) {
	for e := 0; e < self.cfg.HotendCount; e++ {
		self.current_temperature_raw[e] = snapshot[ADC_HOTEND_0+AdcChannel(e)]
	}
	self.current_temperature_bed_raw = snapshot[ADC_BED]
	if self.cfg.HasAmbient {
		self.current_temperature_raw_ambient = snapshot[ADC_AMBIENT]
	}
	if self.cfg.HasPinda {
		self.current_temperature_raw_pinda = snapshot[ADC_PINDA]
	}
	self.current_voltage_raw_pwr = snapshot[ADC_VOLT_PWR]
}

// temp_mgr_isr runs with mgr_mu held.
func (self *TempCore) temp_mgr_isr() {
	self.set_isr_temperatures_from_raw_values()

	// clear the assertion flag before checking again
	self.err.Clear_assert()
	self.check_temp_raw()
	self.runaway.Check()
	if self.cfg.HasModel {
		self.model.Check()
	}

	if self.pid_tuning_finished.Load() {
		self.temp_mgr_pid()
	}
	self.temp_mgr_cycles.Add(1)
}

func (self *TempCore) set_isr_temperatures_from_raw_values() {
	for e := 0; e < self.cfg.HotendCount; e++ {
		self.current_temperature_isr[e] = self.tables[e].Analog2temp(self.current_temperature_raw[e])
	}
	self.current_temperature_bed_isr = self.bed_table.Analog2temp(self.current_temperature_bed_raw)
	if self.cfg.HasAmbient {
		self.current_temperature_ambient_isr = self.ambient_table.Analog2temp(self.current_temperature_raw_ambient)
	}
	if self.cfg.HasPinda {
		self.current_temperature_pinda_isr = self.pinda_table.Analog2temp(self.current_temperature_raw_pinda)
	}
	self.temp_meas_ready.Store(true)
}

func (self *TempCore) temp_mgr_pid() {
	for e := 0; e < self.cfg.HotendCount; e++ {
		self.pid.Pid_heater(e, self.current_temperature_isr[e], self.target_temperature_isr[e])
	}
	self.pid.Pid_bed(self.current_temperature_bed_isr, self.target_temperature_bed_isr)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Error latching
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// set_temp_error latches from the manager tick context (mgr_mu held):
// snapshot recovery values, kill every heater, force the fans on.
func (self *TempCore) set_temp_error(source TempErrorSource, index uint8, errType TempErrorType) {
	if !self.err.Present() {
		self.saved_bed_temperature = self.target_temperature_bed
		self.saved_extruder_temperature = self.target_temperature[index]
		self.saved_fan_speed = self.fan_speed_soft_pwm
	}

	self.disable_heater_locked()
	self.fans_set_full_speed()

	self.err.Raise(source, index, errType)
}

// disable_heater_locked zeroes targets, regulates the duties to zero and
// drives every heater pin low. Caller holds mgr_mu.
func (self *TempCore) disable_heater_locked() {
	for e := range self.target_temperature {
		self.target_temperature[e] = 0
		self.target_temperature_isr[e] = 0
	}
	self.target_temperature_bed = 0
	self.target_temperature_bed_isr = 0

	self.temp_mgr_pid()

	for e := 0; e < self.cfg.HotendCount; e++ {
		self.board.Write_heater_pin(e, false)
	}
	self.board.Set_bed_pwm0(0)
}

// Disable_heater is the foreground variant.
func (self *TempCore) Disable_heater() {
	defer self.Temp_mgr_guard()()
	self.disable_heater_locked()
}

func (self *TempCore) fans_set_full_speed() {
	self.duty_lock.Lock()
	if self.fan_speed_soft_pwm != 255 {
		self.fan_speed_bckp = self.fan_speed_soft_pwm
	}
	self.fan_speed_soft_pwm = 255
	self.duty_lock.UnLock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Raw limit checks
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// order is relevant: the min check relies on the ambient reading already
// having been proven below its own max
func (self *TempCore) check_temp_raw() {
	self.check_max_temp_raw()
	self.check_min_temp_raw()
}

func (self *TempCore) check_max_temp_raw() {
	for e := 0; e < self.cfg.HotendCount; e++ {
		if self.tables[e].Max_exceeded(self.current_temperature_raw[e], self.maxttemp_raw[e]) {
			self.set_temp_error(TempErrorSourceHotend, uint8(e), TempErrorTypeMax)
		}
	}
	if self.bed_table.Max_exceeded(self.current_temperature_bed_raw, self.bed_maxttemp_raw) {
		self.set_temp_error(TempErrorSourceBed, 0, TempErrorTypeMax)
	}
	if self.cfg.HasAmbient {
		if self.ambient_table.Max_exceeded(self.current_temperature_raw_ambient, self.ambient_maxttemp_raw) {
			self.set_temp_error(TempErrorSourceAmbient, 0, TempErrorTypeMax)
		}
	}
}

func (self *TempCore) check_min_temp_hotend(e int) {
	if self.tables[e].Min_exceeded(self.current_temperature_raw[e], self.minttemp_raw[e]) {
		self.set_temp_error(TempErrorSourceHotend, uint8(e), TempErrorTypeMin)
	}
}

func (self *TempCore) check_min_temp_bed() {
	if self.bed_table.Min_exceeded(self.current_temperature_bed_raw, self.bed_minttemp_raw) {
		self.set_temp_error(TempErrorSourceBed, 0, TempErrorTypeMin)
	}
}

func (self *TempCore) check_min_temp_ambient() {
	if self.ambient_table.Min_exceeded(self.current_temperature_raw_ambient, self.ambient_minttemp_raw) {
		self.set_temp_error(TempErrorSourceAmbient, 0, TempErrorTypeMin)
	}
}

// ambient_is_cold reports whether the room is cold enough to tolerate a cold
// sensor right after power-on. Inverted (NTC) wiring reads cold strictly above
// the threshold; non-inverted wiring reads cold at or below it (<=).
func (self *TempCore) ambient_is_cold() bool {
	threshold := OVERSAMPLENR * self.cfg.Limits.MintempMinambientRaw
	if self.ambient_table.Inverted() {
		return self.current_temperature_raw_ambient > threshold
	}
	return self.current_temperature_raw_ambient <= threshold
}

func (self *TempCore) check_min_temp_raw() {
	now := self.millis()

	if self.cfg.HasAmbient {
		self.check_min_temp_ambient()
	}

	if !self.cfg.HasAmbient || self.ambient_is_cold() {
		// cold room: tolerate a cold sensor for the configured delay once
		// heating starts, unless it has already been seen above min
		for e := 0; e < self.cfg.HotendCount; e++ {
			if float64(self.target_temperature_isr[e]) > self.minttemp[e] {
				self.bChecking_on_heater = self.bChecking_on_heater ||
					self.current_temperature_isr[e] > self.minttemp[e]+TEMP_HYSTERESIS
				if self.timer4minTempHeater.Expired(now, self.cfg.Limits.HeaterMintempDelay) ||
					!self.timer4minTempHeater.Running() || self.bChecking_on_heater {
					self.bChecking_on_heater = true
					self.check_min_temp_hotend(e)
				}
			} else {
				self.timer4minTempHeater.Start(now)
				self.bChecking_on_heater = false
			}
		}
		if float64(self.target_temperature_bed_isr) > self.cfg.Limits.BedMintemp {
			self.bChecking_on_bed = self.bChecking_on_bed ||
				self.current_temperature_bed_isr > self.cfg.Limits.BedMintemp+TEMP_HYSTERESIS
			if self.timer4minTempBed.Expired(now, self.cfg.Limits.BedMintempDelay) ||
				!self.timer4minTempBed.Running() || self.bChecking_on_bed {
				self.bChecking_on_bed = true
				self.check_min_temp_bed()
			}
		} else {
			self.timer4minTempBed.Start(now)
			self.bChecking_on_bed = false
		}
	} else {
		// ambient temperature is standard, check immediately
		for e := 0; e < self.cfg.HotendCount; e++ {
			self.check_min_temp_hotend(e)
		}
		self.check_min_temp_bed()
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Foreground synchronization
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (self *TempCore) set_current_temperatures_from_isr() {
	for e := 0; e < self.cfg.HotendCount; e++ {
		self.current_temperature[e] = self.current_temperature_isr[e]
	}
	self.current_temperature_bed = self.current_temperature_bed_isr
	self.current_temperature_ambient = self.current_temperature_ambient_isr
	self.current_temperature_pinda = self.current_temperature_pinda_isr
}

func (self *TempCore) set_isr_target_temperatures() {
	for e := 0; e < self.cfg.HotendCount; e++ {
		self.target_temperature_isr[e] = self.target_temperature[e]
	}
	self.target_temperature_bed_isr = self.target_temperature_bed
}

// update_temperatures drains the latest manager snapshot into the foreground
// mirrors and pushes new targets down, but only when no error is latched.
func (self *TempCore) update_temperatures() {
	defer self.Temp_mgr_guard()()
	self.set_current_temperatures_from_isr()
	if !self.err.Present() {
		// refuse to update target temperatures in any error condition
		self.set_isr_target_temperatures()
	}
	self.temp_meas_ready.Store(false)
}

// Manage_heater runs from the cooperative foreground, at most once per
// manager tick.
func (self *TempCore) Manage_heater() {
	if self.cfg.HasWatchdog {
		self.board.Wdt_reset()
	}

	// limit execution to the manager cadence; low-level fault handling has
	// already happened, the rest is user-facing and can wait a cycle
	if !self.temp_meas_ready.Load() {
		return
	}

	self.update_temperatures()

	// handle model warnings first, so not to override the error handler
	if self.cfg.HasModel && self.model.Warning_pending() {
		self.model.Handle_warning()
	}

	if self.err.Present() {
		self.handle_temp_error()
	}

	self.check_fans()

	if self.cfg.HasModel && self.cfg.Model.Debug {
		self.model.Log_usr()
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Foreground commands
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (self *TempCore) Set_target_hotend(celsius int, e int) {
	if e < 0 || e >= self.cfg.HotendCount {
		panic(fmt.Sprintf("%d - Invalid extruder number !", e))
	}
	if celsius != 0 && float64(celsius) > self.maxttemp[e]-15 {
		celsius = int(self.maxttemp[e] - 15)
	}
	defer self.Temp_mgr_guard()()
	self.target_temperature[e] = celsius
	self.resetPID(e)
}

// resetPID is kept for call-site symmetry: the pid_reset flag raised when the
// target drops to zero already restarts the regulator state.
func (self *TempCore) resetPID(e int) {}

func (self *TempCore) Set_target_bed(celsius int) {
	if celsius != 0 && float64(celsius) > self.cfg.Limits.BedMaxtemp-5 {
		celsius = int(self.cfg.Limits.BedMaxtemp - 5)
	}
	defer self.Temp_mgr_guard()()
	self.target_temperature_bed = celsius
}

func (self *TempCore) Set_fan_speed(speed uint8) {
	self.duty_lock.Lock()
	self.fan_speed_soft_pwm = speed
	self.duty_lock.UnLock()
}

func (self *TempCore) Fan_speed() uint8 {
	self.duty_lock.Lock()
	defer self.duty_lock.UnLock()
	return self.fan_speed_soft_pwm
}

func (self *TempCore) Degree_hotend(e int) float64 { return self.current_temperature[e] }
func (self *TempCore) Degree_bed() float64         { return self.current_temperature_bed }
func (self *TempCore) Degree_ambient() float64     { return self.current_temperature_ambient }
func (self *TempCore) Degree_pinda() float64       { return self.current_temperature_pinda }
func (self *TempCore) Target_hotend(e int) int     { return self.target_temperature[e] }
func (self *TempCore) Target_bed() int             { return self.target_temperature_bed }

// Check_all_hotends reports true if any hotend target is nonzero.
func (self *TempCore) Check_all_hotends() bool {
	result := false
	for e := 0; e < self.cfg.HotendCount; e++ {
		result = result || self.target_temperature[e] != 0
	}
	return result
}

func (self *TempCore) Get_heater_power(heater int) uint8 {
	self.duty_lock.Lock()
	defer self.duty_lock.UnLock()
	if heater < 0 {
		return self.soft_pwm_bed
	}
	return self.soft_pwm[heater]
}

// Has_temperature_compensation reports whether probe temperature
// compensation should run, honoring the persisted override byte.
func (self *TempCore) Has_temperature_compensation() bool {
	if !self.cfg.HasPinda {
		return false
	}
	if self.store != nil {
		if comp, ok := self.store.Get_byte(KEY_PINDA_COMP); ok {
			return comp == 0
		}
	}
	return self.current_temperature_pinda >= PINDA_MINTEMP
}

const PINDA_MINTEMP = 10.0

// Recover_saved restores the targets and fan speed captured at the first
// error. Valid only after the error word has been cleared.
func (self *TempCore) Recover_saved() {
	if self.err.Present() {
		return
	}
	self.Set_target_hotend(self.saved_extruder_temperature, 0)
	self.Set_target_bed(self.saved_bed_temperature)
	self.Set_fan_speed(self.saved_fan_speed)
}

func (self *TempCore) Thermal_stop() {
	if self.stopped.CompareAndSwap(false, true) {
		logger.Errorf("printer stopped by thermal fault")
	}
}

func (self *TempCore) Is_stopped() bool {
	return self.stopped.Load()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Error handler and operator messages
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	MSG_MINTEMP_HOTEND_FIXED = "MINTEMP HOTEND fixed"
	MSG_MINTEMP_BED_FIXED    = "MINTEMP BED fixed"
	MSG_PLEASE_RESTART       = "Please restart"
	MSG_THERMAL_ANOMALY      = "THERMAL ANOMALY"
	MSG_PAUSED_THERMAL_ERROR = "PAUSED THERMAL ERROR"
)

const (
	LCDALERT_NONE = iota
	LCDALERT_HEATERMINTEMP
	LCDALERT_BEDMINTEMP
	LCDALERT_MINTEMPFIXED
	LCDALERT_PLEASERESTART
)

// temp_update_message refreshes the alert line without the serial error.
func (self *TempCore) temp_update_message(errType string) {
	self.alerts.Set_alert_status("Err: "+errType, LCD_STATUS_CRITICAL)
}

// temp_error_message signals a temperature error on both the alert sink and
// the serial log. e < 0 suppresses the extruder index.
func (self *TempCore) temp_error_message(errType string, e int) {
	self.temp_update_message(errType)
	if e >= 0 {
		logger.Errorf("%d: Heaters switched off. %s triggered!", e, errType)
	} else {
		logger.Errorf("Heaters switched off. %s triggered!", errType)
	}
}

func (self *TempCore) max_temp_error(e int) {
	if !self.Is_stopped() {
		self.temp_error_message("MAXTEMP", e)
	}
	self.Thermal_stop()
}

func (self *TempCore) min_temp_error(e int) {
	if !self.Is_stopped() {
		self.temp_error_message("MINTEMP", e)
		self.last_alert_sent = LCDALERT_HEATERMINTEMP
	} else if self.last_alert_sent != LCDALERT_HEATERMINTEMP {
		self.temp_update_message("MINTEMP")
		self.last_alert_sent = LCDALERT_HEATERMINTEMP
	}
	self.Thermal_stop()
}

func (self *TempCore) bed_max_temp_error() {
	if !self.Is_stopped() {
		self.temp_error_message("MAXTEMP BED", -1)
	}
	self.Thermal_stop()
}

func (self *TempCore) bed_min_temp_error() {
	if !self.Is_stopped() {
		self.temp_error_message("MINTEMP BED", -1)
		self.last_alert_sent = LCDALERT_BEDMINTEMP
	} else if self.last_alert_sent != LCDALERT_BEDMINTEMP {
		self.temp_update_message("MINTEMP BED")
		self.last_alert_sent = LCDALERT_BEDMINTEMP
	}
	self.Thermal_stop()
}

func (self *TempCore) ambient_max_temp_error() {
	if !self.Is_stopped() {
		self.temp_error_message("MAXTEMP AMB", -1)
	}
	self.Thermal_stop()
}

func (self *TempCore) ambient_min_temp_error() {
	if !self.Is_stopped() {
		self.temp_error_message("MINTEMP AMB", -1)
	}
	self.Thermal_stop()
}

func (self *TempCore) temp_runaway_stop(isPreheat, isBed bool) {
	if !self.Is_stopped() {
		switch {
		case isPreheat && isBed:
			self.alerts.Set_alert_status("BED PREHEAT ERROR", LCD_STATUS_CRITICAL)
			logger.Errorf("THERMAL RUNAWAY (PREHEAT HEATBED)")
		case isPreheat:
			self.alerts.Set_alert_status("PREHEAT ERROR", LCD_STATUS_CRITICAL)
			logger.Errorf("THERMAL RUNAWAY (PREHEAT HOTEND)")
		case isBed:
			self.alerts.Set_alert_status("BED THERMAL RUNAWAY", LCD_STATUS_CRITICAL)
			logger.Errorf("HEATBED THERMAL RUNAWAY")
		default:
			self.alerts.Set_alert_status("THERMAL RUNAWAY", LCD_STATUS_CRITICAL)
			logger.Errorf("HOTEND THERMAL RUNAWAY")
		}
	}
	self.Thermal_stop()
}

func (self *TempCore) handle_temp_error() {
	state := self.err.Get()
	switch state.Type {
	case TempErrorTypeMin:
		switch state.Source {
		case TempErrorSourceHotend:
			if state.Asserted {
				self.min_temp_error(int(state.Index))
			} else {
				// no recovery, just force the user to restart the printer,
				// which is a safer variant than continuing to print
				self.alert_automaton_hotend.Step(self.current_temperature[state.Index],
					self.minttemp[state.Index]+TEMP_HYSTERESIS)
			}
		case TempErrorSourceBed:
			if state.Asserted {
				self.bed_min_temp_error()
			} else {
				self.alert_automaton_bed.Step(self.current_temperature_bed,
					self.cfg.Limits.BedMintemp+TEMP_HYSTERESIS)
			}
		case TempErrorSourceAmbient:
			self.ambient_min_temp_error()
		}
	case TempErrorTypeMax:
		switch state.Source {
		case TempErrorSourceHotend:
			self.max_temp_error(int(state.Index))
		case TempErrorSourceBed:
			self.bed_max_temp_error()
		case TempErrorSourceAmbient:
			self.ambient_max_temp_error()
		}
	case TempErrorTypePreheat, TempErrorTypeRunaway:
		if state.Source == TempErrorSourceHotend || state.Source == TempErrorSourceBed {
			self.temp_runaway_stop(state.Type == TempErrorTypePreheat,
				state.Source == TempErrorSourceBed)
		}
	case TempErrorTypeModel:
		if state.Asserted {
			if !self.Is_stopped() {
				self.alerts.Set_alert_status(MSG_PAUSED_THERMAL_ERROR, LCD_STATUS_CRITICAL)
				logger.Errorf("TM: error triggered!")
			}
			self.Thermal_stop()
			self.board.Write_beeper_pin(true)
		} else {
			// the model fault is the only one that may de-assert and clear
			self.err.Clear()
			self.board.Write_beeper_pin(false)
			logger.Infof("TM: error cleared")
		}
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// MINTEMP fixed alert automaton
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const alertAutomatonSpeedDiv = 5

type alertAutomatonState uint8

const (
	automatonInit alertAutomatonState = iota
	automatonTempAboveMintemp
	automatonShowPleaseRestart
	automatonShowMintemp
)

// AlertAutomatonMintemp cycles "MINTEMP ... fixed" and "Please restart" on
// the alert line once the sensor has risen back above min + hysteresis.
type AlertAutomatonMintemp struct {
	core   *TempCore
	m2     string
	state  alertAutomatonState
	repeat uint8
}

func NewAlertAutomatonMintemp(core *TempCore, m2 string) *AlertAutomatonMintemp {
	return &AlertAutomatonMintemp{core: core, m2: m2, repeat: alertAutomatonSpeedDiv}
}

func (self *AlertAutomatonMintemp) substep(next alertAutomatonState) {
	if self.repeat == 0 {
		self.state = next
		self.repeat = alertAutomatonSpeedDiv
	} else {
		self.repeat--
	}
}

func (self *AlertAutomatonMintemp) Step(currentTemp, mintemp float64) {
	switch self.state {
	case automatonInit:
		if currentTemp > mintemp {
			self.state = automatonTempAboveMintemp
		}
		// otherwise keep the Err MINTEMP alert on the display
	case automatonTempAboveMintemp:
		self.core.alerts.Set_alert_status(self.m2, LCD_STATUS_CRITICAL)
		self.substep(automatonShowMintemp)
		self.core.last_alert_sent = LCDALERT_MINTEMPFIXED
	case automatonShowPleaseRestart:
		self.core.alerts.Set_alert_status(MSG_PLEASE_RESTART, LCD_STATUS_CRITICAL)
		self.substep(automatonShowMintemp)
		self.core.last_alert_sent = LCDALERT_PLEASERESTART
	case automatonShowMintemp:
		self.core.alerts.Set_alert_status(self.m2, LCD_STATUS_CRITICAL)
		self.substep(automatonShowPleaseRestart)
		self.core.last_alert_sent = LCDALERT_MINTEMPFIXED
	}
}
