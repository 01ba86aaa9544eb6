// Closed-loop heater regulation
//
// Hotends run a PID with derivative on measurement (filtered) and
// conditional anti-windup. The bed runs the same PID with its own gains, or
// a bang-bang fallback when bed PID is disabled.
package project

import (
	"t3c/common/utils/maths"
)

type TempPid struct {
	core *TempCore

	Kp float64
	Ki float64
	Kd float64

	bedKp float64
	bedKi float64
	bedKd float64

	iState_sum     [MAX_EXTRUDERS]float64
	dState_last    [MAX_EXTRUDERS]float64
	dTerm          [MAX_EXTRUDERS]float64
	iState_sum_min [MAX_EXTRUDERS]float64
	iState_sum_max [MAX_EXTRUDERS]float64
	pid_reset      [MAX_EXTRUDERS]bool

	temp_iState_bed     float64
	temp_dState_bed     float64
	dTerm_bed           float64
	temp_iState_min_bed float64
	temp_iState_max_bed float64

	previous_millis_bed_heater int64
	bed_heating                bool
}

func NewTempPid(core *TempCore) *TempPid {
	self := &TempPid{}
	self.core = core
	self.Kp = core.cfg.Pid.Kp
	self.Ki = core.cfg.Pid.Ki
	self.Kd = core.cfg.Pid.Kd
	self.bedKp = core.cfg.BedPid.Kp
	self.bedKi = core.cfg.BedPid.Ki
	self.bedKd = core.cfg.BedPid.Kd
	self.Update_pid_limits()
	return self
}

// Update_pid_limits recomputes the integral clamps after a gain change.
func (self *TempPid) Update_pid_limits() {
	for e := range self.iState_sum_max {
		self.iState_sum_min[e] = 0.
		if self.Ki != 0 {
			self.iState_sum_max[e] = PID_INTEGRAL_DRIVE_MAX / self.Ki
		} else {
			self.iState_sum_max[e] = 0.
		}
	}
	self.temp_iState_min_bed = 0.
	if self.bedKi != 0 {
		self.temp_iState_max_bed = PID_INTEGRAL_DRIVE_MAX / self.bedKi
	} else {
		self.temp_iState_max_bed = 0.
	}
}

// Set_gains installs new hotend gains (autotune result).
func (self *TempPid) Set_gains(kp, ki, kd float64) {
	self.Kp, self.Ki, self.Kd = kp, ki, kd
	self.Update_pid_limits()
}

func (self *TempPid) Set_bed_gains(kp, ki, kd float64) {
	self.bedKp, self.bedKi, self.bedKd = kp, ki, kd
	self.Update_pid_limits()
}

// Pid_heater regulates one hotend for the current tick. Caller holds mgr_mu.
func (self *TempPid) Pid_heater(e int, current float64, target int) {
	var pid_output float64
	pid_input := current

	if target == 0 {
		pid_output = 0
		self.pid_reset[e] = true
	} else {
		pid_error := float64(target) - pid_input
		if self.pid_reset[e] {
			self.iState_sum[e] = 0.0
			self.dTerm[e] = 0.0
			self.pid_reset[e] = false
		}
		pTerm := self.Kp * pid_error
		self.iState_sum[e] += pid_error
		self.iState_sum[e] = maths.Saturate(self.iState_sum[e], self.iState_sum_min[e], self.iState_sum_max[e])
		iTerm := self.Ki * self.iState_sum[e]
		// digital filtration of the derivative term; derivative on
		// measurement, hence the subtraction below
		k2 := 1.0 - PID_K1
		self.dTerm[e] = (self.Kd*(pid_input-self.dState_last[e]))*k2 + PID_K1*self.dTerm[e]
		pid_output = pTerm + iTerm - self.dTerm[e]
		if pid_output > PID_MAX {
			if pid_error > 0 {
				self.iState_sum[e] -= pid_error // conditional un-integration
			}
			pid_output = PID_MAX
		} else if pid_output < 0 {
			if pid_error < 0 {
				self.iState_sum[e] -= pid_error // conditional un-integration
			}
			pid_output = 0
		}
	}
	self.dState_last[e] = pid_input

	// check that the temperature is within the safe operating range
	var duty uint8
	if current < self.core.maxttemp[e] && target != 0 {
		duty = uint8(int(pid_output) >> 1)
	} else {
		duty = 0
		self.pid_reset[e] = true
	}

	self.core.duty_lock.Lock()
	self.core.soft_pwm[e] = duty
	self.core.duty_lock.UnLock()
}

// Pid_bed regulates the bed and mirrors the duty to the hardware comparator.
// Caller holds mgr_mu.
func (self *TempPid) Pid_bed(current float64, target int) {
	if !self.core.cfg.HasBedPid {
		if self.core.millis()-self.previous_millis_bed_heater < BED_CHECK_INTERVAL {
			return
		}
		self.previous_millis_bed_heater = self.core.millis()
		self.bang_bang_bed(current, target)
		return
	}

	var pid_output float64
	pid_input := current

	pid_error := float64(target) - pid_input
	pTerm := self.bedKp * pid_error
	self.temp_iState_bed += pid_error
	self.temp_iState_bed = maths.Saturate(self.temp_iState_bed, self.temp_iState_min_bed, self.temp_iState_max_bed)
	iTerm := self.bedKi * self.temp_iState_bed

	k2 := 1.0 - PID_K1
	self.dTerm_bed = (self.bedKd*(pid_input-self.temp_dState_bed))*k2 + PID_K1*self.dTerm_bed
	self.temp_dState_bed = pid_input

	pid_output = pTerm + iTerm - self.dTerm_bed
	if pid_output > MAX_BED_POWER {
		if pid_error > 0 {
			self.temp_iState_bed -= pid_error // conditional un-integration
		}
		pid_output = MAX_BED_POWER
	} else if pid_output < 0 {
		if pid_error < 0 {
			self.temp_iState_bed -= pid_error // conditional un-integration
		}
		pid_output = 0
	}

	var duty uint8
	if current < self.core.cfg.Limits.BedMaxtemp && target != 0 {
		duty = uint8(int(pid_output) >> 1)
	} else {
		duty = 0
	}
	self.set_bed_duty(duty)
}

func (self *TempPid) bang_bang_bed(current float64, target int) {
	maxtemp := self.core.cfg.Limits.BedMaxtemp
	if !self.core.cfg.BedLimitSwitching {
		if current < maxtemp && target != 0 {
			if current >= float64(target) {
				self.set_bed_duty(0)
			} else {
				self.set_bed_duty(MAX_BED_POWER >> 1)
			}
		} else {
			self.set_bed_duty(0)
		}
		return
	}

	// hysteresis band variant
	hysteresis := self.core.cfg.BedHysteresis
	if current < maxtemp && target != 0 {
		if current > float64(target)+hysteresis {
			self.set_bed_duty(0)
		} else if current <= float64(target)-hysteresis {
			self.set_bed_duty(MAX_BED_POWER >> 1)
		}
	} else {
		self.set_bed_duty(0)
	}
}

func (self *TempPid) set_bed_duty(duty uint8) {
	self.core.duty_lock.Lock()
	self.core.soft_pwm_bed = duty
	self.core.duty_lock.UnLock()
	self.core.board.Set_bed_pwm0(duty << 1)
}

// Scale helpers: user-facing Ki/Kd are expressed per second while the loop
// runs per tick.
func ScalePID_i(i float64) float64   { return i * PID_dT }
func UnscalePID_i(i float64) float64 { return i / PID_dT }
func ScalePID_d(d float64) float64   { return d / PID_dT }
func UnscalePID_d(d float64) float64 { return d * PID_dT }
