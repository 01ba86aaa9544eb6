// Scripted thermal plant behind the AdcDriver interface.
//
// The simulator integrates the same lumped energy balance the observer
// assumes, which makes it a convenient truth source for the end-to-end tests
// and for bench runs of the wiring binary.
package project

import (
	"sync"
)

// HeaterBody is a first-order lumped thermal mass.
type HeaterBody struct {
	P float64 // heater power at full duty, W
	C float64 // heat capacity, J/K
	R float64 // thermal resistance to ambient, K/W
	T float64 // current temperature, C
}

// Step advances the body by dt seconds at the given duty fraction.
func (self *HeaterBody) Step(dt, duty, ambient float64) {
	self.T += ((self.P * duty) - (self.T-ambient)/self.R) * dt / self.C
}

type PlantSim struct {
	mu sync.Mutex

	Hotend  [MAX_EXTRUDERS]*HeaterBody
	Bed     *HeaterBody
	Ambient float64

	tables    [ADC_CHANNEL_COUNT]*TempTable
	forcedRaw [ADC_CHANNEL_COUNT]int
	forced    [ADC_CHANNEL_COUNT]bool

	// frozen channels report their scripted temperature but ignore Step
	frozen [ADC_CHANNEL_COUNT]bool
}

func NewPlantSim(cfg *PrinterConfig) *PlantSim {
	self := &PlantSim{}
	hotendTable := Lookup_sensor(cfg.HotendSensorType)
	bedTable := Lookup_sensor(cfg.BedSensorType)
	ambientTable := Lookup_sensor(cfg.AmbientSensorType)

	self.Ambient = 25.
	for e := 0; e < cfg.HotendCount; e++ {
		self.Hotend[e] = &HeaterBody{P: 40., C: 10., R: 20., T: self.Ambient}
		self.tables[ADC_HOTEND_0+AdcChannel(e)] = hotendTable
	}
	self.Bed = &HeaterBody{P: 220., C: 400., R: 0.9, T: self.Ambient}
	self.tables[ADC_BED] = bedTable
	self.tables[ADC_AMBIENT] = ambientTable
	self.tables[ADC_PINDA] = bedTable
	return self
}

// Step integrates every body by dt seconds. Duties come straight from the
// core's published heater powers (0..127) and fan speed (0..255): the fan
// lowers the hotend's thermal resistance.
func (self *PlantSim) Step(dt float64, hotendDuty [MAX_EXTRUDERS]uint8, bedDuty uint8, fanSpeed uint8) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for e := range self.Hotend {
		if self.Hotend[e] == nil || self.frozen[ADC_HOTEND_0+AdcChannel(e)] {
			continue
		}
		r := self.Hotend[e].R
		self.Hotend[e].R = r / (1. + float64(fanSpeed)/255.)
		self.Hotend[e].Step(dt, float64(hotendDuty[e])/127., self.Ambient)
		self.Hotend[e].R = r
	}
	if self.Bed != nil && !self.frozen[ADC_BED] {
		self.Bed.Step(dt, float64(bedDuty)/127., self.Ambient)
	}
}

// Force_raw pins a channel to a fixed oversampled raw count (sensor fault
// injection). Pass a multiple of OVERSAMPLENR for an exact threshold hit.
func (self *PlantSim) Force_raw(ch AdcChannel, raw int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.forcedRaw[ch] = raw
	self.forced[ch] = true
}

func (self *PlantSim) Unforce(ch AdcChannel) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.forced[ch] = false
}

// Freeze pins a channel's temperature regardless of heater output.
func (self *PlantSim) Freeze(ch AdcChannel, temp float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.frozen[ch] = true
	self.set_temp_locked(ch, temp)
}

func (self *PlantSim) Set_temp(ch AdcChannel, temp float64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.set_temp_locked(ch, temp)
}

func (self *PlantSim) set_temp_locked(ch AdcChannel, temp float64) {
	switch {
	case ch >= ADC_HOTEND_0 && ch < ADC_HOTEND_0+MAX_EXTRUDERS:
		if self.Hotend[ch-ADC_HOTEND_0] != nil {
			self.Hotend[ch-ADC_HOTEND_0].T = temp
		}
	case ch == ADC_BED:
		self.Bed.T = temp
	case ch == ADC_AMBIENT:
		self.Ambient = temp
	}
}

func (self *PlantSim) temp_of(ch AdcChannel) float64 {
	switch {
	case ch >= ADC_HOTEND_0 && ch < ADC_HOTEND_0+MAX_EXTRUDERS:
		if self.Hotend[ch-ADC_HOTEND_0] != nil {
			return self.Hotend[ch-ADC_HOTEND_0].T
		}
		return self.Ambient
	case ch == ADC_BED:
		return self.Bed.T
	case ch == ADC_PINDA:
		return (self.Bed.T + self.Ambient) / 2
	case ch == ADC_AMBIENT:
		return self.Ambient
	}
	return 0
}

// Sample implements AdcDriver: one 10-bit conversion for the channel.
func (self *PlantSim) Sample(ch AdcChannel) uint16 {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.forced[ch] {
		return uint16(self.forcedRaw[ch] / OVERSAMPLENR)
	}
	if ch == ADC_VOLT_PWR {
		return 512
	}
	table := self.tables[ch]
	if table == nil {
		return 0
	}
	return uint16(table.Temp2raw(self.temp_of(ch)) / OVERSAMPLENR)
}
