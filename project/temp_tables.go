// Thermistor lookup tables and raw <-> temperature conversion
package project

import (
	"fmt"
	"sort"

	"t3c/common/utils/maths"
)

// OVERSAMPLENR ADC conversions accumulate into one raw reading; table raws
// are stored pre-multiplied so comparisons stay in the oversampled domain.
const OVERSAMPLENR = 16

const ADC_RANGE = 1024

type TempEntry struct {
	Raw     int
	Celsius float64
}

// TempTable converts oversampled raw counts into degrees Celsius by linear
// interpolation between the two entries straddling the reading. Conversions
// are pure; a table is never mutated after construction.
type TempTable struct {
	name    string
	entries []TempEntry

	// amplifier path used when no table exists for the channel
	ampGain   float64
	ampOffset float64

	// optional piecewise correction applied on top (bed only)
	bedOffset *BedOffsetConfig
}

func ov(raw int) int { return raw * OVERSAMPLENR }

// NewTempTable builds a table from single-conversion raw counts. Entries must
// be strictly monotonic in raw.
func NewTempTable(name string, entries []TempEntry) *TempTable {
	self := &TempTable{name: name}
	self.entries = make([]TempEntry, len(entries))
	for i, e := range entries {
		self.entries[i] = TempEntry{Raw: ov(e.Raw), Celsius: e.Celsius}
	}
	sort.Slice(self.entries, func(i, j int) bool {
		return self.entries[i].Raw < self.entries[j].Raw
	})
	for i := 1; i < len(self.entries); i++ {
		if self.entries[i].Raw == self.entries[i-1].Raw {
			panic(fmt.Sprintf("temp table %s: duplicate raw %d", name, self.entries[i].Raw))
		}
	}
	return self
}

// NewAmpTable models a linear analog amplifier channel (no lookup table).
func NewAmpTable(name string, gain, offset float64) *TempTable {
	return &TempTable{name: name, ampGain: gain, ampOffset: offset}
}

func (self *TempTable) Name() string { return self.name }

func (self *TempTable) With_bed_offset(off *BedOffsetConfig) *TempTable {
	self.bedOffset = off
	return self
}

// Inverted reports NTC-style wiring: temperature falls as raw rises, so the
// raw count at the low-temperature extreme is the table's highest raw.
func (self *TempTable) Inverted() bool {
	if len(self.entries) < 2 {
		return false
	}
	return self.entries[0].Celsius > self.entries[len(self.entries)-1].Celsius
}

func (self *TempTable) raw_lo_temp() int {
	if self.Inverted() {
		return ov(ADC_RANGE - 1)
	}
	return 0
}

func (self *TempTable) raw_hi_temp() int {
	if self.Inverted() {
		return 0
	}
	return ov(ADC_RANGE - 1)
}

// Analog2temp converts an oversampled raw count. Readings beyond the last
// entry saturate to the last entry instead of extrapolating.
func (self *TempTable) Analog2temp(raw int) float64 {
	if len(self.entries) == 0 {
		return float64(raw)*self.ampGain + self.ampOffset
	}

	var celsius float64
	var i int
	for i = 1; i < len(self.entries); i++ {
		if self.entries[i].Raw > raw {
			celsius = maths.LinearInterpolate(
				float64(self.entries[i-1].Raw), self.entries[i-1].Celsius,
				float64(self.entries[i].Raw), self.entries[i].Celsius,
				float64(raw))
			break
		}
	}
	// Overflow: set to last value in the table
	if i == len(self.entries) {
		celsius = self.entries[i-1].Celsius
	}
	if raw <= self.entries[0].Raw {
		celsius = self.entries[0].Celsius
	}

	if self.bedOffset != nil {
		celsius = apply_bed_offset(self.bedOffset, celsius)
	}
	return celsius
}

// apply_bed_offset compensates the bed sensor placement: two linear segments
// up to 100C split at the configured centre, one flat offset above.
func apply_bed_offset(cfg *BedOffsetConfig, celsius float64) float64 {
	firstKoef := (cfg.Offset / 2) / (cfg.Centre - cfg.Start)
	secondKoef := (cfg.Offset / 2) / (100 - cfg.Centre)

	if celsius >= cfg.Start && celsius <= cfg.Centre {
		celsius = celsius + firstKoef*(celsius-cfg.Start)
	} else if celsius > cfg.Centre && celsius <= 100 {
		celsius = celsius + firstKoef*(cfg.Centre-cfg.Start) + secondKoef*(celsius-(100-cfg.Centre))
	} else if celsius > 100 {
		celsius = celsius + cfg.Offset
	}
	return celsius
}

// Temp2raw numerically inverts Analog2temp. The forward conversion is
// monotonic per table, so a bisection over the raw domain converges to the
// quantization limit.
func (self *TempTable) Temp2raw(celsius float64) int {
	if len(self.entries) == 0 {
		if self.ampGain == 0 {
			return 0
		}
		return int((celsius - self.ampOffset) / self.ampGain)
	}

	lo, hi := 0, ov(ADC_RANGE-1)
	inverted := self.Inverted()
	for lo < hi {
		mid := lo + (hi-lo)/2
		t := self.Analog2temp(mid)
		rising := t < celsius
		if inverted {
			rising = t > celsius
		}
		if rising {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Min_raw_threshold walks from the low-temperature extreme toward the hot end
// of the table until the conversion first reaches minTemp. Comparing raw
// counts against this threshold catches an open/shorted sensor even when the
// table itself is corrupt.
func (self *TempTable) Min_raw_threshold(minTemp float64) int {
	raw := self.raw_lo_temp()
	step := OVERSAMPLENR
	if self.Inverted() {
		step = -OVERSAMPLENR
	}
	for self.Analog2temp(raw) < minTemp {
		raw += step
		if raw < 0 || raw > ov(ADC_RANGE-1) {
			break
		}
	}
	return raw
}

// Max_raw_threshold walks from the high-temperature extreme down to maxTemp.
func (self *TempTable) Max_raw_threshold(maxTemp float64) int {
	raw := self.raw_hi_temp()
	step := -OVERSAMPLENR
	if self.Inverted() {
		step = OVERSAMPLENR
	}
	for self.Analog2temp(raw) > maxTemp {
		raw += step
		if raw < 0 || raw > ov(ADC_RANGE-1) {
			break
		}
	}
	return raw
}

// Min_exceeded and Max_exceeded compare a reading against a precomputed
// threshold honoring the table direction.
func (self *TempTable) Min_exceeded(raw, minRaw int) bool {
	if self.Inverted() {
		return raw >= minRaw
	}
	return raw <= minRaw
}

func (self *TempTable) Max_exceeded(raw, maxRaw int) bool {
	if self.Inverted() {
		return raw <= maxRaw
	}
	return raw >= maxRaw
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Sensor registry
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var sensor_factories = map[string]func() *TempTable{
	"semitec 104gt-2": newSemitecTable,
	"epcos 100k":      newEpcosTable,
	"ntcg104lh104jt1": newAmbientTable,
	"ad595":           func() *TempTable { return NewAmpTable("ad595", (5.0*100.0/1024.0)/OVERSAMPLENR, 0.) },
}

func Lookup_sensor(sensorType string) *TempTable {
	factory := sensor_factories[sensorType]
	if factory == nil {
		panic(fmt.Sprintf("Unknown temperature sensor %s", sensorType))
	}
	return factory()
}

func newSemitecTable() *TempTable {
	return NewTempTable("semitec 104gt-2", []TempEntry{
		{1, 713}, {18, 300}, {25, 280}, {35, 260}, {50, 240}, {72, 220},
		{104, 200}, {149, 180}, {210, 160}, {289, 140}, {387, 120},
		{496, 100}, {606, 80}, {707, 60}, {791, 40}, {852, 25},
		{896, 10}, {925, 0}, {953, -10}, {1008, -30},
	})
}

func newEpcosTable() *TempTable {
	return NewTempTable("epcos 100k", []TempEntry{
		{23, 300}, {31, 270}, {48, 250}, {80, 220}, {117, 195},
		{165, 170}, {223, 150}, {294, 130}, {387, 110}, {492, 90},
		{603, 70}, {701, 55}, {792, 40}, {860, 25}, {906, 10},
		{932, 0}, {960, -15}, {1005, -40},
	})
}

func newAmbientTable() *TempTable {
	return NewTempTable("ntcg104lh104jt1", []TempEntry{
		{76, 120}, {148, 90}, {221, 70}, {301, 55}, {401, 40},
		{507, 25}, {615, 15}, {713, 5}, {795, -5}, {860, -15},
		{911, -25}, {949, -35}, {1000, -50},
	})
}
