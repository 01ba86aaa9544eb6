package project

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

type testBoard struct {
	mu        sync.Mutex
	heaterPin [MAX_EXTRUDERS]bool
	bedPwm    uint8
	fanPin    bool
	beeperPin bool
	wdtResets int
}

func (self *testBoard) Write_heater_pin(e int, on bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.heaterPin[e] = on
}

func (self *testBoard) Set_bed_pwm0(duty uint8) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.bedPwm = duty
}

func (self *testBoard) Write_fan_pin(on bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.fanPin = on
}

func (self *testBoard) Write_beeper_pin(on bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.beeperPin = on
}

func (self *testBoard) Wdt_reset() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.wdtResets++
}

func (self *testBoard) Heater_pin(e int) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.heaterPin[e]
}

func (self *testBoard) Beeper() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.beeperPin
}

type testAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (self *testAlerts) Set_alert_status(msg string, severity AlertSeverity) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.msgs = append(self.msgs, msg)
}

func (self *testAlerts) Contains(msg string) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, m := range self.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

// testRig wires a core against the simulated plant with a scripted clock.
// Every tick() advances the world by one manager interval.
type testRig struct {
	t      *testing.T
	cfg    *PrinterConfig
	plant  *PlantSim
	board  *testBoard
	alerts *testAlerts
	store  *VarStore
	core   *TempCore

	clockMs atomic.Int64
}

func newTestRig(t *testing.T, mutate func(*PrinterConfig)) *testRig {
	t.Helper()
	self := &testRig{t: t}
	self.cfg = DefaultPrinterConfig()
	self.cfg.StoreFilename = filepath.Join(t.TempDir(), "vars.yaml")
	if mutate != nil {
		mutate(self.cfg)
	}
	if err := self.cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	self.plant = NewPlantSim(self.cfg)
	self.board = &testBoard{}
	self.alerts = &testAlerts{}
	self.store = NewVarStore(self.cfg.StoreFilename)
	self.core = NewTempCore(self.cfg, self.board, self.alerts, self.plant, self.store,
		func() int64 { return self.clockMs.Load() })
	// cooperative loops advance the world one manager interval per poll
	self.core.Set_waiting_handler(self.tick)
	return self
}

// tick advances the clock by one manager interval, integrates the plant and
// runs the manager.
func (self *testRig) tick() {
	self.clockMs.Add(270)
	var duties [MAX_EXTRUDERS]uint8
	for e := 0; e < self.cfg.HotendCount; e++ {
		duties[e] = self.core.Get_heater_power(e)
	}
	self.plant.Step(TEMP_MGR_INTV, duties, self.core.Get_heater_power(-1), self.core.Fan_speed())
	self.core.Temp_mgr_tick()
}

// run steps n manager intervals with the foreground serviced.
func (self *testRig) run(n int) {
	for i := 0; i < n; i++ {
		self.tick()
		self.core.Manage_heater()
	}
}

func (self *testRig) run_seconds(s float64) {
	self.run(int(s/TEMP_MGR_INTV) + 1)
}
