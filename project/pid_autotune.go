// Relay-method PID autotune
//
// Forces a bang-bang oscillation around the target with a 5 s debounce on
// each crossing, adapts the relay bias to symmetrize the cycle, and derives
// Ku/Tu from the measured amplitude and period.
package project

import (
	"errors"
	"fmt"
	"math"

	uuid "github.com/satori/go.uuid"

	"t3c/common/logger"
	"t3c/common/utils/maths"
)

type PidTuneResult struct {
	Ku float64
	Tu float64
	Kp float64
	Ki float64
	Kd float64
}

func (self *TempCore) Pid_tuning_running() bool {
	return !self.pid_tuning_finished.Load()
}

// prepare_pid_tuning disables the heaters before regulation is switched off.
func (self *TempCore) prepare_pid_tuning() {
	self.Disable_heater()
	self.pid_tuning_finished.Store(false)
}

func (self *TempCore) set_tune_pwm(extruder int, duty uint8) {
	self.duty_lock.Lock()
	if extruder < 0 {
		self.soft_pwm_bed = duty
	} else {
		self.soft_pwm[extruder] = duty
	}
	self.duty_lock.UnLock()
	if extruder < 0 {
		self.board.Set_bed_pwm0(duty << 1)
	}
}

// tune_gains derives the PID gains from Ku/Tu per the configured variant.
func tune_gains(variant string, Ku, Tu float64) (kp, ki, kd float64) {
	switch variant {
	case "some_overshoot":
		kp = 0.33 * Ku
		ki = kp / Tu
		kd = kp * Tu / 3
	case "no_overshoot":
		kp = 0.2 * Ku
		ki = 2 * kp / Tu
		kd = kp * Tu / 3
	default: // classic
		kp = 0.6 * Ku
		ki = 2 * kp / Tu
		kd = kp * Tu / 8
	}
	return
}

// PID_autotune runs the relay tune against a hotend (extruder >= 0) or the
// bed (extruder < 0). It blocks cooperatively until the relay cycle counter
// passes ncycles (ncycles+1 completed cycles) or a safety abort fired.
func (self *TempCore) PID_autotune(temp float64, extruder int, ncycles int, respond func(string)) (PidTuneResult, error) {
	if respond == nil {
		respond = func(string) {}
	}
	var result PidTuneResult

	if extruder >= self.cfg.HotendCount {
		respond("PID Autotune failed. Bad extruder number.")
		return result, errors.New("bad extruder number")
	}

	runID := uuid.NewV4()
	logger.Infof("PID autotune run %s heater=%d target=%.1f cycles=%d", runID, extruder, temp, ncycles)

	self.prepare_pid_tuning()
	defer self.pid_tuning_finished.Store(true)

	pidCycle := 0
	input := 0.0
	heating := true

	tempMillis := self.millis()
	t1 := tempMillis
	t2 := tempMillis
	var tHigh, tLow int64

	isBed := extruder < 0
	maxPower := float64(PID_MAX)
	if isBed {
		maxPower = float64(MAX_BED_POWER)
	}
	bias := maxPower / 2
	d := bias

	maxSeen, minSeen := 0.0, 10000.0
	safetyCheckCycles := 0
	safetyCheckCyclesCount := 10
	if isBed {
		safetyCheckCyclesCount = 45
	}
	tempAmbient := 0.0

	respond("PID Autotune start")

	// seed the relay at half power and publish the target for the display
	self.set_tune_pwm(extruder, uint8(maxPower/2))
	func() {
		defer self.Temp_mgr_guard()()
		if isBed {
			self.target_temperature_bed = int(temp)
			self.target_temperature_bed_isr = int(temp)
		} else {
			self.target_temperature[extruder] = int(temp)
			self.target_temperature_isr[extruder] = int(temp)
		}
	}()

	for {
		if self.cfg.HasWatchdog {
			self.board.Wdt_reset()
		}
		if self.err.Present() {
			respond("PID Autotune failed! temperature error")
			return result, errors.New("temperature error")
		}

		if self.temp_meas_ready.Load() { // temp sample ready
			self.update_temperatures()

			if isBed {
				input = self.current_temperature_bed
			} else {
				input = self.current_temperature[extruder]
			}

			maxSeen = math.Max(maxSeen, input)
			minSeen = math.Min(minSeen, input)

			if heating && input > temp {
				if self.millis()-t2 > 5000 {
					heating = false
					self.set_tune_pwm(extruder, uint8((int(bias)-int(d))>>1))
					t1 = self.millis()
					tHigh = t1 - t2
					maxSeen = temp
				}
			}
			if !heating && input < temp {
				if self.millis()-t1 > 5000 {
					heating = true
					t2 = self.millis()
					tLow = t2 - t1
					if pidCycle > 0 {
						bias += (d * float64(tHigh-tLow)) / float64(tLow+tHigh)
						bias = maths.Saturate(bias, 20, maxPower-20)
						if bias > maxPower/2 {
							d = maxPower - 1 - bias
						} else {
							d = bias
						}

						respond(fmt.Sprintf(" bias: %.0f d: %.0f min: %.2f max: %.2f", bias, d, minSeen, maxSeen))
						if pidCycle > 2 {
							result.Ku = (4.0 * d) / (math.Pi * (maxSeen - minSeen) / 2.0)
							result.Tu = float64(tLow+tHigh) / 1000.0
							respond(fmt.Sprintf(" Ku: %.2f Tu: %.2f", result.Ku, result.Tu))
							result.Kp, result.Ki, result.Kd = tune_gains(self.cfg.TunePidVariant, result.Ku, result.Tu)
							switch self.cfg.TunePidVariant {
							case "some_overshoot":
								respond(" Some overshoot")
							case "no_overshoot":
								respond(" No overshoot")
							default:
								respond(" Classic PID")
							}
							respond(fmt.Sprintf(" Kp: %.2f", result.Kp))
							respond(fmt.Sprintf(" Ki: %.2f", result.Ki))
							respond(fmt.Sprintf(" Kd: %.2f", result.Kd))
						}
					}
					self.set_tune_pwm(extruder, uint8((int(bias)+int(d))>>1))
					pidCycle++
					minSeen = temp
				}
			}
		}

		if input > temp+20 {
			respond("PID Autotune failed! Temperature too high")
			return result, errors.New("temperature too high")
		}

		if self.millis()-tempMillis > 2000 {
			p := self.Get_heater_power(extruder)
			if isBed {
				respond(fmt.Sprintf("B:%.2f @:%d", input, p))
			} else {
				respond(fmt.Sprintf("T:%.2f @:%d", input, p))
			}

			if safetyCheckCycles == 0 { // save ambient temp
				tempAmbient = input
				safetyCheckCycles++
			} else if safetyCheckCycles < safetyCheckCyclesCount { // delay
				safetyCheckCycles++
			} else if safetyCheckCycles == safetyCheckCyclesCount { // temperature must be rising by now
				safetyCheckCycles++
				if math.Abs(input-tempAmbient) < 5.0 {
					self.temp_runaway_stop(false, isBed)
					respond("PID Autotune failed! Temperature not rising")
					return result, errors.New("temperature not rising")
				}
			}
			tempMillis = self.millis()
		}

		if (self.millis()-t1)+(self.millis()-t2) > 10*60*1000*2 {
			respond("PID Autotune failed! timeout")
			return result, errors.New("timeout")
		}

		if pidCycle > ncycles {
			respond("PID Autotune finished! Put the last Kp, Ki and Kd constants from above into the configuration")
			return result, nil
		}

		self.waiting_handler()
	}
}
