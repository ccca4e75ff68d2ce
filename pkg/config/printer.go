// Package config provides Klipper printer configuration parsing.
// It extracts stepper, heater, and sensor configurations from printer.cfg files.
package config

import (
	"strings"
	"time"
)

// StepperConfig holds stepper motor configuration.
type StepperConfig struct {
	Name       string // e.g., "stepper_x", "stepper_y", "stepper_z"
	StepPin    string // e.g., "PK0"
	DirPin     string // e.g., "PK1"
	EnablePin  string // e.g., "PF7"
	EndstopPin string // e.g., "PL6"
	// Pin modifiers
	DirInvert     bool // ! prefix on dir_pin
	EnableInvert  bool // ! prefix on enable_pin
	EndstopPullup bool // ^ prefix on endstop_pin
	EndstopInvert bool // ! prefix on endstop_pin
	// Position parameters
	PositionEndstop float64 // position_endstop: 0 means at min, 300 means at max
	PositionMin     float64 // position_min
	PositionMax     float64 // position_max: maximum travel distance
	// Motion parameters
	Microsteps       int     // e.g., 16
	RotationDistance float64 // e.g., 40.0 mm per full rotation
	FullStepsPerRot  int     // e.g., 200 (standard stepper)
	// Homing parameters
	HomingSpeed       float64 // mm/s, default 5.0
	HomingRetractDist float64 // mm, default 5.0
	SecondHomingSpeed float64 // mm/s, default HomingSpeed/2
}

// ExtruderConfig holds extruder/heater configuration.
type ExtruderConfig struct {
	// Stepper
	StepPin          string
	DirPin           string
	EnablePin        string
	DirInvert        bool
	EnableInvert     bool
	Microsteps       int
	RotationDistance float64
	FullStepsPerRot  int
	NozzleDiameter   float64
	FilamentDiameter float64
	MaxExtrudeRatio  float64
	// Heater
	HeaterPin  string  // e.g., "PA7"
	SensorPin  string  // e.g., "PF0"
	SensorType string  // e.g., "ATC Semitec 104GT-2"
	PullupR    float64 // pullup resistor value, default 4700
	MinTemp    float64
	MaxTemp    float64
	ControlPID bool
	PID_Kp     float64
	PID_Ki     float64
	PID_Kd     float64
	// Extrusion
	MinExtrudeTemp  float64 // minimum temp for extrusion
	PressureAdvance float64
}

// HeaterBedConfig holds heated bed configuration.
type HeaterBedConfig struct {
	HeaterPin  string  // e.g., "PA6"
	SensorPin  string  // e.g., "PF2"
	SensorType string  // e.g., "EPCOS 100K B57560G104F"
	PullupR    float64 // pullup resistor value, default 4700
	MinTemp    float64
	MaxTemp    float64
	ControlPID bool
	PID_Kp     float64
	PID_Ki     float64
	PID_Kd     float64
}

// FanConfig holds fan configuration.
type FanConfig struct {
	Name           string
	Pin            string
	MaxPower       float64
	KickStartTime  float64
	OffBelow       float64
	CycleTime      float64
	HardwarePWM    bool
	ShutdownSpeed  float64
	// For heater_fan
	Heater         string
	HeaterTemp     float64
	FanSpeed       float64
}

// PrinterConfig holds the full printer configuration.
type PrinterConfig struct {
	Device       string
	Baud         int
	Kinematics   string // e.g., "cartesian", "corexy", "delta"
	MaxVelocity  float64
	MaxAccel     float64
	MaxZVelocity float64
	MaxZAccel    float64
	Steppers     map[string]*StepperConfig
	Extruder     *ExtruderConfig
	HeaterBed    *HeaterBedConfig
	Fans         map[string]*FanConfig

	// SquareCornerVelocity bounds the junction velocity a zero-radius
	// corner is allowed, feeding CalcJunctionDeviation.
	SquareCornerVelocity float64

	// MinCruiseRatio is the minimum fraction of a move's requested cruise
	// velocity the planner must reach before decelerating into the next
	// junction, feeding CalcJunctionDeviation's mcrPseudoAccel output.
	MinCruiseRatio float64

	// StepCompressTolerance is the step-compressor's reconstruction error
	// tolerance, in MCU ticks (pkg/stepcompress's maxErrorTicks).
	StepCompressTolerance float64

	// ReliableWindow is the reliable-delivery layer's default sliding-
	// window size (pkg/serialqueue's Queue.window).
	ReliableWindow int

	// LeadWindowMin/LeadWindowMax are read from lead_window_min and
	// lead_window_max, in seconds. No package consults them: step generation
	// and transmission are not gated on a lead window.
	LeadWindowMin float64
	LeadWindowMax float64

	// ProtocolTimeout is read from protocol_timeout. No package consults it:
	// pkg/serialqueue decides retransmission from its RTO estimator alone.
	ProtocolTimeout time.Duration

	// MetricsAddr is the listen address for the Prometheus metrics
	// endpoint (pkg/metrics.MetricsServer). Empty disables it.
	MetricsAddr string
}

// pinOpts is the modifier set every Klipper pin option in printer.cfg
// allows: inversion and pullup/pulldown. A "chip:" prefix is not governed
// by PinOptions; ParsePin accepts it regardless and getPin drops it.
var pinOpts = PinOptions{CanInvert: true, CanPullup: true}

// getPin reads a pin option through Section.GetPinOptional, collapsing
// the richer config.Pin (Chip/Pullup int) down to the plain name/invert/
// pullup fields StepperConfig and friends carry.
func getPin(sec *Section, option string) (name string, invert, pullup bool) {
	p, err := sec.GetPinOptional(option, pinOpts)
	if err != nil || p == nil {
		return "", false, false
	}
	return p.Name, p.Invert, p.Pullup != 0
}

// ParsePrinterConfig reads and parses a Klipper printer.cfg file, built on
// the same Config/Section access-tracking layer the rest of pkg/config
// uses for live module config (pkg/config/registry.go, reload.go) — so an
// `[include ...]` directive or a `#*#` SAVE_CONFIG block in printer.cfg is
// handled identically here and there, instead of printer.cfg parsing its
// own narrower copy of that logic.
func ParsePrinterConfig(path string) (*PrinterConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	config := &PrinterConfig{
		Steppers:              make(map[string]*StepperConfig),
		Fans:                  make(map[string]*FanConfig),
		Baud:                  250000, // Default baud rate
		SquareCornerVelocity:  5.0,
		MinCruiseRatio:        0.5,
		StepCompressTolerance: 0.25,
		ReliableWindow:        16,
		LeadWindowMin:         0.100,
		LeadWindowMax:         0.250,
		ProtocolTimeout:       5 * time.Second,
	}

	sections := make(map[string]*Section)
	for _, name := range cfg.GetSectionNames() {
		sections[strings.ToLower(name)] = cfg.GetSectionOptional(name)
	}

	if mcu := sections["mcu"]; mcu != nil {
		config.Device, _ = mcu.Get("serial", config.Device)
		config.Baud, _ = mcu.GetInt("baud", config.Baud)
		config.ReliableWindow, _ = mcu.GetInt("reliable_window", config.ReliableWindow)
		if seconds, err := mcu.GetFloat("protocol_timeout", config.ProtocolTimeout.Seconds()); err == nil {
			config.ProtocolTimeout = time.Duration(seconds * float64(time.Second))
		}
		config.MetricsAddr, _ = mcu.Get("metrics_addr", config.MetricsAddr)
	}

	if printer := sections["printer"]; printer != nil {
		config.Kinematics, _ = printer.Get("kinematics", config.Kinematics)
		config.MaxVelocity, _ = printer.GetFloat("max_velocity", config.MaxVelocity)
		config.MaxAccel, _ = printer.GetFloat("max_accel", config.MaxAccel)
		config.MaxZVelocity, _ = printer.GetFloat("max_z_velocity", config.MaxZVelocity)
		config.MaxZAccel, _ = printer.GetFloat("max_z_accel", config.MaxZAccel)
		config.SquareCornerVelocity, _ = printer.GetFloat("square_corner_velocity", config.SquareCornerVelocity)
		config.MinCruiseRatio, _ = printer.GetFloat("min_cruise_ratio", config.MinCruiseRatio)
		config.StepCompressTolerance, _ = printer.GetFloat("step_compress_tolerance", config.StepCompressTolerance)
		config.LeadWindowMin, _ = printer.GetFloat("lead_window_min", config.LeadWindowMin)
		config.LeadWindowMax, _ = printer.GetFloat("lead_window_max", config.LeadWindowMax)
	}

	for lname, sec := range sections {
		switch {
		case strings.HasPrefix(lname, "stepper_"):
			config.Steppers[lname] = parseStepperSection(lname, sec)
		case lname == "extruder":
			config.Extruder = parseExtruderSection(sec)
		case lname == "heater_bed":
			config.HeaterBed = parseHeaterBedSection(sec)
		case lname == "fan":
			config.Fans["fan"] = parseFanSection("fan", sec, false)
		case strings.HasPrefix(lname, "heater_fan "):
			fanName := strings.TrimPrefix(lname, "heater_fan ")
			config.Fans[fanName] = parseFanSection(fanName, sec, true)
		}
	}

	for _, stepper := range config.Steppers {
		if stepper.SecondHomingSpeed == 0 {
			stepper.SecondHomingSpeed = stepper.HomingSpeed / 2
		}
	}

	return config, nil
}

func parseStepperSection(name string, sec *Section) *StepperConfig {
	s := &StepperConfig{
		Name:              name,
		FullStepsPerRot:   200,
		Microsteps:        16,
		HomingSpeed:       5.0,
		HomingRetractDist: 5.0,
	}
	s.StepPin, _, _ = getPin(sec, "step_pin")
	s.DirPin, s.DirInvert, _ = getPin(sec, "dir_pin")
	s.EnablePin, s.EnableInvert, _ = getPin(sec, "enable_pin")
	s.EndstopPin, s.EndstopInvert, s.EndstopPullup = getPin(sec, "endstop_pin")
	s.PositionEndstop, _ = sec.GetFloat("position_endstop", s.PositionEndstop)
	s.PositionMin, _ = sec.GetFloat("position_min", s.PositionMin)
	s.PositionMax, _ = sec.GetFloat("position_max", s.PositionMax)
	s.Microsteps, _ = sec.GetInt("microsteps", s.Microsteps)
	s.RotationDistance, _ = sec.GetFloat("rotation_distance", s.RotationDistance)
	s.FullStepsPerRot, _ = sec.GetInt("full_steps_per_rotation", s.FullStepsPerRot)
	s.HomingSpeed, _ = sec.GetFloat("homing_speed", s.HomingSpeed)
	s.HomingRetractDist, _ = sec.GetFloat("homing_retract_dist", s.HomingRetractDist)
	s.SecondHomingSpeed, _ = sec.GetFloat("second_homing_speed", s.SecondHomingSpeed)
	return s
}

func parseExtruderSection(sec *Section) *ExtruderConfig {
	e := &ExtruderConfig{
		PullupR:         4700,
		FullStepsPerRot: 200,
		Microsteps:      16,
		MinExtrudeTemp:  170,
	}
	e.StepPin, _, _ = getPin(sec, "step_pin")
	e.DirPin, e.DirInvert, _ = getPin(sec, "dir_pin")
	e.EnablePin, e.EnableInvert, _ = getPin(sec, "enable_pin")
	e.HeaterPin, _, _ = getPin(sec, "heater_pin")
	e.SensorPin, _, _ = getPin(sec, "sensor_pin")
	e.SensorType, _ = sec.Get("sensor_type", e.SensorType)
	e.PullupR, _ = sec.GetFloat("pullup_resistor", e.PullupR)
	e.MinTemp, _ = sec.GetFloat("min_temp", e.MinTemp)
	e.MaxTemp, _ = sec.GetFloat("max_temp", e.MaxTemp)
	if control, err := sec.Get("control", ""); err == nil {
		e.ControlPID = control == "pid"
	}
	e.PID_Kp, _ = sec.GetFloat("pid_kp", e.PID_Kp)
	e.PID_Ki, _ = sec.GetFloat("pid_ki", e.PID_Ki)
	e.PID_Kd, _ = sec.GetFloat("pid_kd", e.PID_Kd)
	e.Microsteps, _ = sec.GetInt("microsteps", e.Microsteps)
	e.RotationDistance, _ = sec.GetFloat("rotation_distance", e.RotationDistance)
	e.NozzleDiameter, _ = sec.GetFloat("nozzle_diameter", e.NozzleDiameter)
	e.FilamentDiameter, _ = sec.GetFloat("filament_diameter", e.FilamentDiameter)
	e.MinExtrudeTemp, _ = sec.GetFloat("min_extrude_temp", e.MinExtrudeTemp)
	e.PressureAdvance, _ = sec.GetFloat("pressure_advance", e.PressureAdvance)
	return e
}

func parseHeaterBedSection(sec *Section) *HeaterBedConfig {
	h := &HeaterBedConfig{PullupR: 4700}
	h.HeaterPin, _, _ = getPin(sec, "heater_pin")
	h.SensorPin, _, _ = getPin(sec, "sensor_pin")
	h.SensorType, _ = sec.Get("sensor_type", h.SensorType)
	h.PullupR, _ = sec.GetFloat("pullup_resistor", h.PullupR)
	h.MinTemp, _ = sec.GetFloat("min_temp", h.MinTemp)
	h.MaxTemp, _ = sec.GetFloat("max_temp", h.MaxTemp)
	if control, err := sec.Get("control", ""); err == nil {
		h.ControlPID = control == "pid"
	}
	h.PID_Kp, _ = sec.GetFloat("pid_kp", h.PID_Kp)
	h.PID_Ki, _ = sec.GetFloat("pid_ki", h.PID_Ki)
	h.PID_Kd, _ = sec.GetFloat("pid_kd", h.PID_Kd)
	return h
}

func parseFanSection(name string, sec *Section, isHeaterFan bool) *FanConfig {
	f := &FanConfig{Name: name, MaxPower: 1.0}
	if isHeaterFan {
		f.HeaterTemp = 50.0
		f.FanSpeed = 1.0
	}
	f.Pin, _, _ = getPin(sec, "pin")
	f.MaxPower, _ = sec.GetFloat("max_power", f.MaxPower)
	f.KickStartTime, _ = sec.GetFloat("kick_start_time", f.KickStartTime)
	f.OffBelow, _ = sec.GetFloat("off_below", f.OffBelow)
	f.CycleTime, _ = sec.GetFloat("cycle_time", f.CycleTime)
	f.HardwarePWM, _ = sec.GetBool("hardware_pwm", f.HardwarePWM)
	f.Heater, _ = sec.Get("heater", f.Heater)
	f.HeaterTemp, _ = sec.GetFloat("heater_temp", f.HeaterTemp)
	f.FanSpeed, _ = sec.GetFloat("fan_speed", f.FanSpeed)
	return f
}

// StepsPerMM calculates steps per mm for a stepper.
func (s *StepperConfig) StepsPerMM() float64 {
	if s.RotationDistance == 0 {
		return 0
	}
	return float64(s.FullStepsPerRot*s.Microsteps) / s.RotationDistance
}

// HomingDirection returns +1 for positive direction homing, -1 for negative.
func (s *StepperConfig) HomingDirection() int {
	if s.PositionEndstop > (s.PositionMin+s.PositionMax)/2 {
		return 1 // Home to max
	}
	return -1 // Home to min
}
