// Observer self-calibration
//
// Estimates C, then R at every fan step, by golden-section search minimizing
// the mean absolute model residual over a recorded trace. Cooperative: every
// blocking point polls the error word and bails out on a latched fault.
package project

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"

	"t3c/common/logger"
)

const REC_BUFFER_SIZE = 300

type rec_entry struct {
	temp float32
	pwm  uint8
}

type TempModelCal struct {
	core       *TempCore
	model      *TempModel
	respond    func(string)
	rec_buffer [REC_BUFFER_SIZE]rec_entry
}

func newTempModelCal(core *TempCore, respond func(string)) *TempModelCal {
	self := &TempModelCal{}
	self.core = core
	self.model = core.model
	self.respond = respond
	if self.respond == nil {
		self.respond = func(string) {}
	}
	return self
}

func (self *TempModelCal) waiting_handler() {
	self.core.Manage_heater()
	self.core.check_fans()
	self.core.waiting_handler()
}

func (self *TempModelCal) wait(ms int64) {
	mark := self.core.millis() + ms
	for self.core.millis() < mark {
		if self.core.err.Present() {
			break
		}
		self.waiting_handler()
	}
}

func (self *TempModelCal) wait_temp() {
	for self.core.current_temperature[0] < float64(self.core.target_temperature[0])-TEMP_HYSTERESIS {
		if self.core.err.Present() {
			break
		}
		self.waiting_handler()
	}
}

func (self *TempModelCal) cooldown(temp float64) {
	oldSpeed := self.core.Fan_speed()
	self.core.Set_fan_speed(255)
	for self.core.current_temperature[0] >= temp {
		if self.core.err.Present() {
			break
		}
		ambient := self.core.current_temperature_ambient + float64(self.model.data.Ta_corr)
		if self.core.current_temperature[0] < ambient+TEMP_HYSTERESIS {
			// do not get stuck waiting very close to ambient temperature
			break
		}
		self.waiting_handler()
	}
	self.core.Set_fan_speed(oldSpeed)
}

// record captures one manager sample per tick until the buffer is full.
// Returns 0 when a fault latched mid-trace.
func (self *TempModelCal) record(samples int) int {
	pos := 0
	last := self.core.temp_mgr_cycles.Load()
	for pos < samples {
		cur := self.core.temp_mgr_cycles.Load()
		if cur == last {
			// temperatures not ready yet, keep the foreground serviced
			self.waiting_handler()
			continue
		}
		last = cur

		if self.core.err.Present() {
			return 0
		}

		var entry rec_entry
		func() {
			defer self.core.Temp_mgr_guard()()
			entry.temp = float32(self.core.current_temperature_isr[0])
			entry.pwm = self.core.soft_pwm[0]
		}()
		self.rec_buffer[pos] = entry
		pos++
	}
	return pos
}

// cost_fn replays the trace through the model with *vr set to v and returns
// the mean absolute residual.
func (self *TempModelCal) cost_fn(samples int, vr *float32, v float32, fanPwm uint8, ambient float32) float32 {
	*vr = v
	self.model.data.Reset(self.rec_buffer[0].pwm, fanPwm, self.rec_buffer[0].temp, ambient)
	var err float32
	for i := 1; i < samples; i++ {
		self.model.data.Step(self.rec_buffer[i].pwm, fanPwm, self.rec_buffer[i].temp, ambient)
		err += math32.Abs(self.model.data.dT_err_prev)
	}
	return err / float32(samples-1)
}

const GOLDEN_RATIO = 0.6180339887498949

func update_section(points *[2]float32, bounds [2]float32) {
	d := float32(GOLDEN_RATIO) * (bounds[1] - bounds[0])
	points[0] = bounds[0] + d
	points[1] = bounds[1] - d
}

// estimate shrinks the search bracket until the relative section drops below
// thr or the iteration cap is reached.
func (self *TempModelCal) estimate(samples int,
	vr *float32, min, max float32,
	thr float32, maxItr int,
	fanPwm uint8, ambient float32) error {

	orig := *vr
	var points [2]float32
	bounds := [2]float32{min, max}
	update_section(&points, bounds)

	for it := 0; it != maxItr; it++ {
		c1 := self.cost_fn(samples, vr, points[0], fanPwm, ambient)
		c2 := self.cost_fn(samples, vr, points[1], fanPwm, ambient)
		dir := 0
		if c2 < c1 {
			dir = 1
		}
		bounds[dir] = points[1-dir]
		update_section(&points, bounds)
		x := points[1-dir]
		e := (1 - float32(GOLDEN_RATIO)) * math32.Abs((bounds[0]-bounds[1])/x)

		self.respond(fmt.Sprintf("TM iter:%d v:%.2f e:%.3f", it, x, e))
		if e < thr {
			if x == min || x == max {
				// real value likely outside of the search boundaries
				break
			}
			*vr = x
			return nil
		}
	}

	self.respond("TM estimation did not converge")
	*vr = orig
	return errors.New("TM estimation did not converge")
}

// autotune runs the full calibration ladder. Returns nil on success.
func (self *TempModelCal) autotune(calTemp int) error {
	cfg := &self.core.cfg.Model
	var samples int

	// bootstrap C/R values without fan
	self.core.Set_fan_speed(0)

	for i := 0; i != 2; i++ {
		verb := "initial"
		if i != 0 {
			verb = "refining"
		}

		self.core.Set_target_hotend(0, 0)
		if self.core.current_temperature[0] >= cfg.CalTl {
			self.respond(fmt.Sprintf("TM: cooling down to %.0fC", cfg.CalTl))
			self.cooldown(cfg.CalTl)
			self.wait(10000)
		}

		// we need a valid R value for the initial C guess
		if math32.IsNaN(self.model.data.R[0]) {
			self.model.data.R[0] = float32(cfg.Rh)
		}

		self.respond(fmt.Sprintf("TM: %s C estimation", verb))
		self.core.Set_target_hotend(calTemp, 0)
		samples = self.record(REC_BUFFER_SIZE)
		if self.core.err.Present() || samples == 0 {
			return errors.New("TM: calibration interrupted by thermal error")
		}

		err := self.estimate(samples, &self.model.data.C,
			float32(cfg.Cl), float32(cfg.Ch), float32(cfg.CThr), cfg.CItr,
			0, float32(self.core.current_temperature_ambient))
		if err != nil {
			return multierr.Append(fmt.Errorf("TM: C estimation failed"), err)
		}

		self.wait_temp()
		if i != 0 {
			break // we don't need to refine R
		}
		self.wait(30000) // settle PID regulation

		self.respond(fmt.Sprintf("TM: %s R estimation @ %dC", verb, calTemp))
		samples = self.record(REC_BUFFER_SIZE)
		if self.core.err.Present() || samples == 0 {
			return errors.New("TM: calibration interrupted by thermal error")
		}

		err = self.estimate(samples, &self.model.data.R[0],
			float32(cfg.Rl), float32(cfg.Rh), float32(cfg.RThr), cfg.RItr,
			0, float32(self.core.current_temperature_ambient))
		if err != nil {
			return multierr.Append(fmt.Errorf("TM: R estimation failed"), err)
		}
	}

	// Estimate fan losses at regular intervals, starting from full speed to
	// avoid low-speed kickstart issues. Shorter intervals at lower speeds
	// increase the resolution of the interpolation.
	self.core.Set_fan_speed(255)
	self.wait(30000)

	var rErrs error
	for i := TEMP_MODEL_R_SIZE - 1; i > 0; i -= cfg.CalRStep {
		self.core.Set_fan_speed(uint8(256/TEMP_MODEL_R_SIZE*(i+1) - 1))
		self.wait(10000)

		self.respond(fmt.Sprintf("TM: R[%d] estimation", i))
		samples = self.record(REC_BUFFER_SIZE)
		if self.core.err.Present() || samples == 0 {
			return errors.New("TM: calibration interrupted by thermal error")
		}

		// a fixed index (the nominal value) is used here, as the fan duty is
		// being swept and we want to include that skew in normal operation
		err := self.estimate(samples, &self.model.data.R[i],
			float32(cfg.Rl), self.model.data.R[0], float32(cfg.RThr), cfg.RItr,
			uint8(i), float32(self.core.current_temperature_ambient))
		if err != nil {
			rErrs = multierr.Append(rErrs, fmt.Errorf("R[%d]: %w", i, err))
		}
	}
	if rErrs != nil {
		return rErrs
	}

	// interpolate the remaining steps to speed up calibration
	next := TEMP_MODEL_R_SIZE - 1
	for i := TEMP_MODEL_R_SIZE - 2; i != 0; i-- {
		if (TEMP_MODEL_R_SIZE-i-1)%cfg.CalRStep == 0 {
			next = i
			continue
		}
		prev := next - cfg.CalRStep
		if prev < 0 {
			prev = 0
		}
		f := float32(i-prev) / float32(cfg.CalRStep)
		d := self.model.data.R[next] - self.model.data.R[prev]
		self.model.data.R[i] = self.model.data.R[prev] + d*f
	}

	return nil
}

// Temp_model_autotune is the foreground entry point for the observer
// calibration. Refuses to run while the printer is busy.
func (self *TempCore) Temp_model_autotune(temp int, respond func(string)) {
	if respond == nil {
		respond = func(string) {}
	}
	if self.printer_busy() {
		respond("TM: printer needs to be idle for calibration")
		return
	}

	runID := uuid.NewV4()
	logger.Infof("TM: autotune run %s", runID)

	// disable the model checking during self-calibration
	wasEnabled := self.model.enabled
	self.model.Set_enabled(false)

	respond("TM: autotune start")
	calTemp := temp
	if calTemp <= 0 {
		calTemp = int(self.cfg.Model.CalTh)
	}
	cal := newTempModelCal(self, respond)
	err := cal.autotune(calTemp)

	// always reset temperature
	self.Set_target_hotend(0, 0)

	if err != nil {
		respond("TM: autotune failed")
		logger.Errorf("TM: autotune run %s failed: %v", runID, err)
		if self.err.Present() {
			self.Set_fan_speed(255)
		}
	} else {
		self.Set_fan_speed(0)
		self.model.Set_enabled(wasEnabled)
		self.model.Report_settings(respond)
	}
}
