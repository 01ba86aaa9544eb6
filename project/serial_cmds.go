// Line-based operator command surface
//
// The thermal core's half of the console: target setting, temperature
// reports, both autotuners and the observer parameter block. Transport is
// any line-oriented ReadWriter; the board wiring opens a real serial port.
package project

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/tarm/serial"

	"t3c/common/logger"
	"t3c/common/utils/sys"
)

type SerialCommand struct {
	Name      string
	params    map[byte]string
	responder func(string)
}

func (self *SerialCommand) Respond(msg string) {
	self.responder(msg)
}

func (self *SerialCommand) Has(letter byte) bool {
	_, ok := self.params[letter]
	return ok
}

func (self *SerialCommand) Get_float(letter byte, def float64) float64 {
	raw, ok := self.params[letter]
	if !ok {
		return def
	}
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		panic(fmt.Sprintf("Unable to parse %c%s as a number", letter, raw))
	}
	return v
}

func (self *SerialCommand) Get_int(letter byte, def int) int {
	raw, ok := self.params[letter]
	if !ok {
		return def
	}
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		panic(fmt.Sprintf("Unable to parse %c%s as an integer", letter, raw))
	}
	return v
}

type commandEntry struct {
	handler func(*SerialCommand)
	help    string
}

type CommandDispatch struct {
	core *TempCore

	mu       sync.Mutex
	commands map[string]commandEntry

	// M155 autoreport
	autoreport_ms int64
	last_report   int64

	report func(string)
}

func NewCommandDispatch(core *TempCore) *CommandDispatch {
	self := &CommandDispatch{}
	self.core = core
	self.commands = map[string]commandEntry{}
	self.report = func(string) {}

	self.Register_command("M104", self.cmd_M104, "Set hotend target temperature")
	self.Register_command("M109", self.cmd_M109, "Set hotend target temperature and wait")
	self.Register_command("M140", self.cmd_M140, "Set bed target temperature")
	self.Register_command("M190", self.cmd_M190, "Set bed target temperature and wait")
	self.Register_command("M105", self.cmd_M105, "Report temperatures")
	self.Register_command("M155", self.cmd_M155, "Set temperature autoreport interval")
	self.Register_command("M106", self.cmd_M106, "Set fan speed")
	self.Register_command("M107", self.cmd_M107, "Fan off")
	self.Register_command("M303", self.cmd_M303, "Run PID autotune")
	self.Register_command("M310", self.cmd_M310, "Thermal model control")
	self.Register_command("STATUS", self.cmd_STATUS, "Render the thermal status page")
	self.Register_command("RECOVER", self.cmd_RECOVER, "Restore targets saved at the last fault")
	return self
}

func (self *CommandDispatch) Register_command(name string, handler func(*SerialCommand), help string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.commands[name]; ok {
		panic(fmt.Sprintf("Command %s already registered", name))
	}
	self.commands[name] = commandEntry{handler: handler, help: help}
}

func parse_command(line string, respond func(string)) *SerialCommand {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := &SerialCommand{
		Name:      strings.ToUpper(fields[0]),
		params:    map[byte]string{},
		responder: respond,
	}
	for _, f := range fields[1:] {
		cmd.params[f[0]&^0x20] = f[1:]
	}
	return cmd
}

// Dispatch parses one console line and runs its handler. Handler panics
// surface as "!!" error lines, mirroring how the original reported command
// failures without taking the machine down.
func (self *CommandDispatch) Dispatch(line string, respond func(string)) {
	defer sys.CatchPanic()

	cmd := parse_command(line, respond)
	if cmd == nil {
		return
	}
	self.mu.Lock()
	entry, ok := self.commands[cmd.Name]
	self.mu.Unlock()
	if !ok {
		respond(fmt.Sprintf("!! Unknown command: %q", cmd.Name))
		return
	}

	ok = func() (done bool) {
		defer func() {
			if r := recover(); r != nil {
				respond(fmt.Sprintf("!! %v", r))
				logger.Errorf("command %s failed: %v", cmd.Name, r)
				done = false
			}
		}()
		entry.handler(cmd)
		return true
	}()
	if ok {
		respond("ok")
	}
}

// Serve reads console lines until EOF. The writer side carries responses and
// the periodic autoreport.
func (self *CommandDispatch) Serve(rw io.ReadWriter) error {
	w := bufio.NewWriter(rw)
	respond := func(msg string) {
		w.WriteString(msg)
		w.WriteByte('\n')
		w.Flush()
	}
	self.report = respond

	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		self.Dispatch(scanner.Text(), respond)
		self.Poll()
	}
	return scanner.Err()
}

// Poll drives the M155 autoreport; the wiring calls it from the foreground
// loop.
func (self *CommandDispatch) Poll() {
	if self.autoreport_ms <= 0 {
		return
	}
	now := self.core.millis()
	if now-self.last_report >= self.autoreport_ms {
		self.last_report = now
		self.report(self.report_line())
	}
}

// Open_serial opens the operator console port.
func Open_serial(device string, baud int) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: device, Baud: baud})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Command handlers
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (self *CommandDispatch) report_line() string {
	core := self.core
	var sb strings.Builder
	fmt.Fprintf(&sb, "T:%.1f /%d @:%d", core.Degree_hotend(0), core.Target_hotend(0), core.Get_heater_power(0))
	fmt.Fprintf(&sb, " B:%.1f /%d B@:%d", core.Degree_bed(), core.Target_bed(), core.Get_heater_power(-1))
	if core.cfg.HasAmbient {
		fmt.Fprintf(&sb, " A:%.1f", core.Degree_ambient())
	}
	if core.cfg.HasPinda {
		fmt.Fprintf(&sb, " P:%.1f", core.Degree_pinda())
	}
	return sb.String()
}

func (self *CommandDispatch) cmd_M104(cmd *SerialCommand) {
	temp := cmd.Get_float('S', 0)
	e := cmd.Get_int('T', 0)
	self.core.Set_target_hotend(int(temp), e)
}

func (self *CommandDispatch) cmd_M109(cmd *SerialCommand) {
	temp := cmd.Get_float('S', 0)
	e := cmd.Get_int('T', 0)
	self.core.Set_target_hotend(int(temp), e)
	self.wait_for(func() bool {
		return self.core.Degree_hotend(e) >= float64(self.core.Target_hotend(e))-TEMP_HYSTERESIS
	}, cmd)
}

func (self *CommandDispatch) cmd_M140(cmd *SerialCommand) {
	temp := cmd.Get_float('S', 0)
	self.core.Set_target_bed(int(temp))
}

func (self *CommandDispatch) cmd_M190(cmd *SerialCommand) {
	temp := cmd.Get_float('S', 0)
	self.core.Set_target_bed(int(temp))
	self.wait_for(func() bool {
		return self.core.Degree_bed() >= float64(self.core.Target_bed())-TEMP_HYSTERESIS
	}, cmd)
}

// wait_for polls a predicate at the manager cadence, reporting temperatures
// once a second, until it holds or a fault latches.
func (self *CommandDispatch) wait_for(done func() bool, cmd *SerialCommand) {
	lastLine := self.core.millis()
	for !done() {
		if self.core.err.Present() || self.core.Is_stopped() {
			break
		}
		self.core.Manage_heater()
		self.core.waiting_handler()
		if self.core.millis()-lastLine >= 1000 {
			lastLine = self.core.millis()
			cmd.Respond(self.report_line())
		}
	}
}

func (self *CommandDispatch) cmd_M105(cmd *SerialCommand) {
	cmd.Respond(self.report_line())
}

func (self *CommandDispatch) cmd_M155(cmd *SerialCommand) {
	seconds := cmd.Get_int('S', 0)
	self.autoreport_ms = int64(seconds) * 1000
	self.last_report = self.core.millis()
}

func (self *CommandDispatch) cmd_M106(cmd *SerialCommand) {
	speed := cmd.Get_int('S', 255)
	if speed < 0 {
		speed = 0
	}
	if speed > 255 {
		speed = 255
	}
	self.core.Set_fan_speed(uint8(speed))
}

func (self *CommandDispatch) cmd_M107(cmd *SerialCommand) {
	self.core.Set_fan_speed(0)
}

func (self *CommandDispatch) cmd_M303(cmd *SerialCommand) {
	e := cmd.Get_int('E', 0)
	temp := cmd.Get_float('S', 210)
	if e < 0 {
		temp = cmd.Get_float('S', 70)
	}
	cycles := cmd.Get_int('C', 5)
	self.core.PID_autotune(temp, e, cycles, cmd.Respond)
}

func (self *CommandDispatch) cmd_M310(cmd *SerialCommand) {
	model := self.core.Model()

	if cmd.Has('A') {
		temp := cmd.Get_int('A', 0)
		self.core.Temp_model_autotune(temp, cmd.Respond)
		return
	}
	if cmd.Get_int('X', 0) == 1 {
		model.Reset_settings()
		return
	}
	if cmd.Get_int('L', 0) == 1 {
		model.Load_settings()
		return
	}

	nan := math.NaN()
	set := false
	if cmd.Has('I') && cmd.Has('R') {
		model.Set_resistance(cmd.Get_int('I', 0), cmd.Get_float('R', nan))
		set = true
	}
	if cmd.Has('P') || cmd.Has('C') || cmd.Has('T') || cmd.Has('W') || cmd.Has('E') {
		model.Set_params(
			cmd.Get_float('C', nan),
			cmd.Get_float('P', nan),
			cmd.Get_float('T', nan),
			cmd.Get_float('W', nan),
			cmd.Get_float('E', nan))
		set = true
	}
	if cmd.Has('S') {
		model.Set_enabled(cmd.Get_int('S', 0) != 0)
		set = true
	}
	if cmd.Has('B') {
		model.Set_warn_beep(cmd.Get_int('B', 0) != 0)
		set = true
	}
	if cmd.Get_int('V', 0) == 1 {
		if err := model.Save_settings(); err != nil {
			panic(fmt.Sprintf("store save failed: %v", err))
		}
		set = true
	}

	if !set {
		model.Report_settings(cmd.Respond)
	}
}

func (self *CommandDispatch) cmd_STATUS(cmd *SerialCommand) {
	page, err := Render_status(self.core)
	if err != nil {
		panic(fmt.Sprintf("status render failed: %v", err))
	}
	for _, line := range strings.Split(strings.TrimRight(page, "\n"), "\n") {
		cmd.Respond(line)
	}
}

func (self *CommandDispatch) cmd_RECOVER(cmd *SerialCommand) {
	self.core.Recover_saved()
}
