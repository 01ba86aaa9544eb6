// Thermal runaway and preheat watchdogs
package project

type TempRunawayStatus uint8

const (
	TempRunaway_INACTIVE TempRunawayStatus = iota
	TempRunaway_PREHEAT
	TempRunaway_ACTIVE
)

// TempRunaway tracks one record per heater: slot 0 is the bed, slots 1..N
// the hotends.
type TempRunaway struct {
	core *TempCore

	status        [1 + MAX_EXTRUDERS]TempRunawayStatus
	target        [1 + MAX_EXTRUDERS]float64
	timer         [1 + MAX_EXTRUDERS]int64
	error_counter [1 + MAX_EXTRUDERS]uint16

	preheat_start   [1 + MAX_EXTRUDERS]float64
	preheat_counter [1 + MAX_EXTRUDERS]uint8
	preheat_errors  [1 + MAX_EXTRUDERS]uint8
}

func NewTempRunaway(core *TempCore) *TempRunaway {
	self := &TempRunaway{}
	self.core = core
	return self
}

// Check samples every heater at the 2 s cadence. Caller holds mgr_mu.
func (self *TempRunaway) Check() {
	for e := 0; e < self.core.cfg.HotendCount; e++ {
		self.check(e+1,
			float64(self.core.target_temperature_isr[e]),
			self.core.current_temperature_isr[e],
			float64(self.core.soft_pwm[e]), false)
	}
	self.check(0,
		float64(self.core.target_temperature_bed_isr),
		self.core.current_temperature_bed_isr,
		float64(self.core.soft_pwm_bed), true)
}

// preheat_delta is the minimum rise expected between preheat checks. Heat
// transfer into the bed flattens near target, hence the schedule.
func preheat_delta(isBed bool, current float64) float64 {
	delta := 2.0
	if isBed {
		delta = 3.0
		if current > 90.0 {
			delta = 2.0
		}
		if current > 105.0 {
			delta = 0.6
		}
	}
	return delta
}

func (self *TempRunaway) check(heaterID int, targetTemperature, currentTemperature, output float64, isBed bool) {
	if self.core.millis()-self.timer[heaterID] <= 2000 {
		return
	}
	self.timer[heaterID] = self.core.millis()

	var hysteresis float64
	var timeout uint16
	if isBed {
		hysteresis = self.core.cfg.Runaway.BedHysteresis
		timeout = uint16(self.core.cfg.Runaway.BedTimeout)
	} else {
		hysteresis = self.core.cfg.Runaway.ExtruderHysteresis
		timeout = uint16(self.core.cfg.Runaway.ExtruderTimeout)
	}

	checkActive := false
	if output == 0 {
		self.error_counter[heaterID] = 0
	}

	if self.target[heaterID] != targetTemperature {
		if targetTemperature > 0 {
			self.status[heaterID] = TempRunaway_PREHEAT
			self.target[heaterID] = targetTemperature
			self.preheat_start[heaterID] = currentTemperature
			self.preheat_counter[heaterID] = 0
		} else {
			self.status[heaterID] = TempRunaway_INACTIVE
			self.target[heaterID] = targetTemperature
		}
	}

	if currentTemperature < targetTemperature && self.status[heaterID] == TempRunaway_PREHEAT {
		self.preheat_counter[heaterID]++
		var checkEvery uint8 = 8
		if isBed {
			checkEvery = 16
		}
		if self.preheat_counter[heaterID] >= checkEvery {
			delta := preheat_delta(isBed, currentTemperature)
			if currentTemperature-self.preheat_start[heaterID] < delta {
				self.preheat_errors[heaterID]++
			} else {
				self.preheat_errors[heaterID] = 0
			}

			var maxErrors uint8 = 5
			if isBed {
				maxErrors = 3
			}
			if self.preheat_errors[heaterID] > maxErrors {
				source := TempErrorSourceHotend
				index := uint8(heaterID - 1)
				if isBed {
					source = TempErrorSourceBed
					index = 0
				}
				self.core.set_temp_error(source, index, TempErrorTypePreheat)
			}

			self.preheat_start[heaterID] = currentTemperature
			self.preheat_counter[heaterID] = 0
		}
	}

	if currentTemperature > targetTemperature-hysteresis && self.status[heaterID] == TempRunaway_PREHEAT {
		self.status[heaterID] = TempRunaway_ACTIVE
		self.error_counter[heaterID] = 0
	}

	if output > 0 {
		checkActive = true
	}

	if checkActive {
		if currentTemperature > targetTemperature-hysteresis &&
			currentTemperature < targetTemperature+hysteresis {
			// in range
			self.error_counter[heaterID] = 0
		} else {
			if self.status[heaterID] > TempRunaway_PREHEAT {
				self.error_counter[heaterID]++
				if self.error_counter[heaterID]*2 > timeout {
					source := TempErrorSourceHotend
					index := uint8(heaterID - 1)
					if isBed {
						source = TempErrorSourceBed
						index = 0
					}
					self.core.set_temp_error(source, index, TempErrorTypeRunaway)
				}
			}
		}
	}
}
