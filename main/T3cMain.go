package main

import (
	"flag"
	"os"
	"time"

	"t3c/common/logger"
	"t3c/common/utils/sys"
	"t3c/project"
)

// consoleIO glues stdin/stdout into the command dispatch when no serial
// device is configured.
type consoleIO struct{}

func (consoleIO) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (consoleIO) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// stubBoard drives the simulated plant instead of real GPIO.
type stubBoard struct{}

func (stubBoard) Write_heater_pin(e int, on bool) {}
func (stubBoard) Set_bed_pwm0(duty uint8)         {}
func (stubBoard) Write_fan_pin(on bool)           {}
func (stubBoard) Write_beeper_pin(on bool)        {}
func (stubBoard) Wdt_reset()                      {}

type logAlerts struct{}

func (logAlerts) Set_alert_status(msg string, severity project.AlertSeverity) {
	if severity == project.LCD_STATUS_CRITICAL {
		logger.Errorf("ALERT: %s", msg)
	} else {
		logger.Infof("ALERT: %s", msg)
	}
}

func main() {
	configPath := flag.String("config", "", "printer option file (TOML)")
	serialDev := flag.String("serial", "", "operator console serial device")
	baud := flag.Int("baud", 115200, "console baud rate")
	logfile := flag.String("log", "t3c.log", "log file")
	flag.Parse()

	logger.InitLogger(logger.InfoLevel, *logfile, true, 10, 3, 14)
	defer logger.Sync()
	logger.Debugf("main thread %d running", sys.GetGID())

	cfg := project.DefaultPrinterConfig()
	if *configPath != "" {
		var err error
		cfg, err = project.LoadPrinterConfig(*configPath)
		if err != nil {
			logger.Fatalf("%v", err)
		}
	}

	plant := project.NewPlantSim(cfg)
	store := project.NewVarStore(cfg.StoreFilename)
	start := time.Now()
	core := project.NewTempCore(cfg, stubBoard{}, logAlerts{}, plant, store,
		func() int64 { return time.Since(start).Milliseconds() })
	core.Set_waiting_handler(func() { time.Sleep(10 * time.Millisecond) })

	// soft PWM tick, ~2 kHz
	go func() {
		t := time.NewTicker(500 * time.Microsecond)
		defer t.Stop()
		for range t.C {
			core.Pwm().Tick()
		}
	}()

	// temperature manager tick, ~3.7 Hz; the plant integrates in lockstep
	go func() {
		t := time.NewTicker(time.Duration(project.TEMP_MGR_INTV * float64(time.Second)))
		defer t.Stop()
		var duties [project.MAX_EXTRUDERS]uint8
		for range t.C {
			for e := 0; e < cfg.HotendCount; e++ {
				duties[e] = core.Get_heater_power(e)
			}
			plant.Step(project.TEMP_MGR_INTV, duties, core.Get_heater_power(-1), core.Fan_speed())
			core.Temp_mgr_tick()
		}
	}()

	// cooperative foreground
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for range t.C {
			core.Manage_heater()
		}
	}()

	dispatch := project.NewCommandDispatch(core)
	if *serialDev != "" {
		port, err := project.Open_serial(*serialDev, *baud)
		if err != nil {
			logger.Fatalf("serial: %v", err)
		}
		defer port.Close()
		if err := dispatch.Serve(port); err != nil {
			logger.Errorf("console: %v", err)
		}
		return
	}
	if err := dispatch.Serve(consoleIO{}); err != nil {
		logger.Errorf("console: %v", err)
	}
}
