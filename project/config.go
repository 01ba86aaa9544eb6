// Printer configuration record
//
// The original firmware scattered its options across preprocessor
// conditionals; here every recognized option lives in one record that is
// decoded from TOML once at startup and handed to each component.
package project

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

const MAX_EXTRUDERS = 3

type BedOffsetConfig struct {
	Offset float64 `toml:"offset"`
	Centre float64 `toml:"centre"`
	Start  float64 `toml:"start"`
}

type PidConfig struct {
	Kp float64 `toml:"kp"`
	Ki float64 `toml:"ki"`
	Kd float64 `toml:"kd"`
}

type LimitsConfig struct {
	HotendMintemp  float64 `toml:"hotend_mintemp"`
	HotendMaxtemp  float64 `toml:"hotend_maxtemp"`
	BedMintemp     float64 `toml:"bed_mintemp"`
	BedMaxtemp     float64 `toml:"bed_maxtemp"`
	AmbientMintemp float64 `toml:"ambient_mintemp"`
	AmbientMaxtemp float64 `toml:"ambient_maxtemp"`

	// delay before the hotend/bed min checks engage on a cold start, ms
	HeaterMintempDelay int64 `toml:"heater_mintemp_delay"`
	BedMintempDelay    int64 `toml:"bed_mintemp_delay"`

	// single-conversion ambient raw count marking a cold room: above it on
	// inverted (NTC) wiring, at or below it on non-inverted wiring
	MintempMinambientRaw int `toml:"mintemp_minambient_raw"`
}

type RunawayConfig struct {
	ExtruderHysteresis float64 `toml:"extruder_hysteresis"`
	ExtruderTimeout    int     `toml:"extruder_timeout"`
	BedHysteresis      float64 `toml:"bed_hysteresis"`
	BedTimeout         int     `toml:"bed_timeout"`
}

type ModelConfig struct {
	// factory defaults loaded when the stored calibration is invalid
	P      float64 `toml:"p"`
	TaCorr float64 `toml:"ta_corr"`
	Warn   float64 `toml:"warn"`
	Err    float64 `toml:"err"`

	// calibration search space
	CalTl    float64 `toml:"cal_tl"`
	CalTh    float64 `toml:"cal_th"`
	Cl       float64 `toml:"cl"`
	Ch       float64 `toml:"ch"`
	CThr     float64 `toml:"c_thr"`
	CItr     int     `toml:"c_itr"`
	Rl       float64 `toml:"rl"`
	Rh       float64 `toml:"rh"`
	RThr     float64 `toml:"r_thr"`
	RItr     int     `toml:"r_itr"`
	CalRStep int     `toml:"cal_r_step"`

	Debug bool `toml:"debug"`
}

// PrinterConfig is the compile-time option record. Recognized options are
// exactly the ones enumerated here; components receive the record instead of
// testing build flags.
type PrinterConfig struct {
	HotendCount    int              `toml:"hotend_count"`
	HasBedPid      bool             `toml:"has_bed_pid"`
	HasAmbient     bool             `toml:"has_ambient"`
	HasPinda       bool             `toml:"has_pinda"`
	BedOffset      *BedOffsetConfig `toml:"bed_offset"`
	SlowPwmHeaters bool             `toml:"slow_pwm_heaters"`
	FanSoftPwmBits int              `toml:"fan_soft_pwm_bits"`
	HasWatchdog    bool             `toml:"has_watchdog"`
	HasModel       bool             `toml:"has_model"`

	HotendSensorType  string `toml:"hotend_sensor_type"`
	BedSensorType     string `toml:"bed_sensor_type"`
	AmbientSensorType string `toml:"ambient_sensor_type"`

	BedLimitSwitching bool    `toml:"bed_limit_switching"`
	BedHysteresis     float64 `toml:"bed_hysteresis"`

	TunePidVariant string `toml:"tune_pid_variant"`

	StoreFilename string `toml:"store_filename"`

	Limits  LimitsConfig  `toml:"limits"`
	Pid     PidConfig     `toml:"pid"`
	BedPid  PidConfig     `toml:"bed_pid"`
	Runaway RunawayConfig `toml:"runaway"`
	Model   ModelConfig   `toml:"model"`
}

// DefaultPrinterConfig mirrors the stock single-hotend machine the original
// firmware shipped for.
func DefaultPrinterConfig() *PrinterConfig {
	return &PrinterConfig{
		HotendCount:      1,
		HasBedPid:        true,
		HasAmbient:       true,
		HasPinda:         true,
		BedOffset:        &BedOffsetConfig{Offset: 10., Centre: 50., Start: 40.},
		SlowPwmHeaters:   false,
		FanSoftPwmBits:   4,
		HasWatchdog:      true,
		HasModel:         true,
		HotendSensorType:  "semitec 104gt-2",
		BedSensorType:     "epcos 100k",
		AmbientSensorType: "ntcg104lh104jt1",
		TunePidVariant:   "classic",
		StoreFilename:    "t3c_vars.yaml",
		Limits: LimitsConfig{
			HotendMintemp:        10.,
			HotendMaxtemp:        305.,
			BedMintemp:           10.,
			BedMaxtemp:           125.,
			AmbientMintemp:       -30.,
			AmbientMaxtemp:       100.,
			HeaterMintempDelay:   15000,
			BedMintempDelay:      50000,
			MintempMinambientRaw: 766,
		},
		Pid:    PidConfig{Kp: 16.13, Ki: 1.1625, Kd: 56.23},
		BedPid: PidConfig{Kp: 126.13, Ki: 4.30, Kd: 924.76},
		Runaway: RunawayConfig{
			ExtruderHysteresis: 15.,
			ExtruderTimeout:    45,
			BedHysteresis:      2.,
			BedTimeout:         360,
		},
		Model: ModelConfig{
			P:        38.,
			TaCorr:   -7.,
			Warn:     1.2,
			Err:      1.74,
			CalTl:    50.,
			CalTh:    230.,
			Cl:       5.,
			Ch:       20.,
			CThr:     0.003,
			CItr:     30,
			Rl:       5.,
			Rh:       50.,
			RThr:     0.006,
			RItr:     30,
			CalRStep: 4,
		},
	}
}

// LoadPrinterConfig decodes a TOML option file over the defaults.
func LoadPrinterConfig(path string) (*PrinterConfig, error) {
	cfg := DefaultPrinterConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (self *PrinterConfig) Validate() error {
	if self.HotendCount < 1 || self.HotendCount > MAX_EXTRUDERS {
		return fmt.Errorf("hotend_count %d out of range (1:%d)", self.HotendCount, MAX_EXTRUDERS)
	}
	if self.FanSoftPwmBits < 0 || self.FanSoftPwmBits > 8 {
		return fmt.Errorf("fan_soft_pwm_bits %d out of range (0:8)", self.FanSoftPwmBits)
	}
	if self.Limits.HotendMaxtemp <= self.Limits.HotendMintemp {
		return fmt.Errorf("hotend_maxtemp (%.1f) must be above hotend_mintemp (%.1f)",
			self.Limits.HotendMaxtemp, self.Limits.HotendMintemp)
	}
	if self.Limits.BedMaxtemp <= self.Limits.BedMintemp {
		return fmt.Errorf("bed_maxtemp (%.1f) must be above bed_mintemp (%.1f)",
			self.Limits.BedMaxtemp, self.Limits.BedMintemp)
	}
	if self.BedOffset != nil {
		if self.BedOffset.Centre <= self.BedOffset.Start {
			return fmt.Errorf("bed_offset centre (%.1f) must be above start (%.1f)",
				self.BedOffset.Centre, self.BedOffset.Start)
		}
	}
	switch self.TunePidVariant {
	case "", "classic", "some_overshoot", "no_overshoot":
	default:
		return fmt.Errorf("tune_pid_variant %q not one of classic/some_overshoot/no_overshoot", self.TunePidVariant)
	}
	if self.Model.CalRStep <= 0 {
		return fmt.Errorf("model cal_r_step must be positive")
	}
	return nil
}
