// hostd is the control-plane host process: it negotiates with one or more
// MCU firmware images over a serial link, plans motion, and exposes the
// session's motion-event stream for an external print-state module to
// subscribe to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hostd/pkg/config"
	"hostd/pkg/errors"
	"hostd/pkg/kinematics"
	"hostd/pkg/log"
	"hostd/pkg/mcu"
	"hostd/pkg/metrics"
	"hostd/pkg/reactor"
	"hostd/pkg/safety"
	"hostd/pkg/serial"
	"hostd/pkg/session"
	"hostd/pkg/toolhead"
	"hostd/pkg/trapq"
)

// driftCheckPeriod is how often the control thread polls ClockSync for
// sustained drift, per SPEC_FULL.md §7's "fatal after 5s sustained".
// Checking at a fifth of that window catches the boundary promptly without
// dominating the reactor's timer queue.
const driftCheckPeriod = 1.0

// driftThresholdTicks is the prediction-stddev threshold CheckDrift
// compares against, following §4.5's "one MCU tick times a configured
// factor (default 10)" prediction-error tolerance.
const driftThresholdTicks = 10.0

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostd",
		Short: "Host-side control plane for distributed printer firmware",
	}
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hostd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("hostd 0.1.0")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var reliableWindow int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured MCU and start the motion pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			windowOverride := 0
			if cmd.Flags().Changed("window") {
				windowOverride = reliableWindow
			}
			return run(configPath, windowOverride)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Printer configuration file (required)")
	cmd.Flags().IntVar(&reliableWindow, "window", 0, "Sliding-window size for the reliable-delivery layer (default: from config)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func run(configPath string, reliableWindowOverride int) (runErr error) {
	logger := log.New("hostd")
	logger.SetLevel(log.INFO)

	defer func() {
		if perr := errors.RecoverPanic(); perr != nil {
			logger.Event("panic", "", perr)
			runErr = perr
		}
	}()

	printerCfg, err := config.ParsePrinterConfig(configPath)
	if err != nil {
		return errors.WithConfigPath(errors.ConfigValidationError("printer", "file", err.Error()), configPath)
	}
	if printerCfg.Device == "" {
		return errors.ConfigOptionError("mcu", "serial")
	}

	reliableWindow := printerCfg.ReliableWindow
	if reliableWindowOverride > 0 {
		reliableWindow = reliableWindowOverride
	}

	logger.Info("connecting to %s at %d baud", printerCfg.Device, printerCfg.Baud)
	port, err := serial.Open(serial.Config{Device: printerCfg.Device, BaudRate: printerCfg.Baud})
	if err != nil {
		return fmt.Errorf("open serial port: %w", err)
	}
	defer port.Close()

	ident, err := mcu.Handshake(port, mcu.DefaultHandshakeConfig())
	if err != nil {
		return fmt.Errorf("mcu handshake: %w", err)
	}
	logger.Info("MCU identified: version=%s", ident.Version)

	mcuFreq := 16000000.0
	if f, ok := ident.Dictionary.Config["CLOCK_FREQ"].(float64); ok {
		mcuFreq = f
	}

	reader := mcu.NewReader(port, ident.Dictionary)
	sq := reader.EnableReliableDelivery(reliableWindow)

	sess := session.New(printerCfg.Device, sq, mcuFreq)
	reader.SetShutdownHandler(func(reason string) {
		sess.Shutdown(errors.MCUShutdownError(reason))
	})
	reader.Start()
	defer reader.Stop()

	if err := sess.BindDictionary(ident.Dictionary); err != nil {
		return fmt.Errorf("bind dictionary: %w", err)
	}
	logger.Info("session %s established", sess.ID)

	km := metrics.GlobalMetrics()
	km.SetMCUStatus(sess.ID, true, 0, mcuFreq)
	var metricsServer *metrics.MetricsServer
	if printerCfg.MetricsAddr != "" {
		metricsServer = metrics.NewMetricsServer(km, printerCfg.MetricsAddr)
		metricsErrs := metricsServer.StartAsync()
		go func() {
			if err := <-metricsErrs; err != nil {
				logger.Event("metrics_server_error", sess.ID, err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	kinType := printerCfg.Kinematics
	if kinType == "" {
		kinType = "cartesian"
	}
	railCfgs := rails(printerCfg)
	kin, err := kinematics.NewContractFromConfig(kinematics.Config{
		Type:         kinType,
		Rails:        railCfgs,
		MaxZVelocity: printerCfg.MaxZVelocity,
		MaxZAccel:    printerCfg.MaxZAccel,
	})
	if err != nil {
		return errors.ConfigOptionError("printer", "kinematics")
	}
	jd, mcrAccel := toolhead.CalcJunctionDeviation(printerCfg.SquareCornerVelocity, printerCfg.MaxAccel, printerCfg.MinCruiseRatio)
	lim := toolhead.Limits{
		MaxVelocity:       printerCfg.MaxVelocity,
		MaxAccel:          printerCfg.MaxAccel,
		JunctionDeviation: jd,
		McrPseudoAccel:    mcrAccel,
	}
	bounds := make([]toolhead.AxisBound, kin.AxisCount())
	for i, l := range kin.AxisLimits() {
		bounds[i] = toolhead.AxisBound{Min: l.Min, Max: l.Max}
	}

	th := toolhead.New([]float64{0, 0, 0}, bounds, lim, trapq.New())
	th.SetMaxQueueDepth(reliableWindow)

	railDist := make([]float64, len(railCfgs))
	railNames := make([]string, len(railCfgs))
	for i, r := range railCfgs {
		railDist[i] = r.StepDist
		railNames[i] = r.Name
	}
	th.AttachKinematics(kin, railDist, railNames, sess, printerCfg.StepCompressTolerance)

	safetyMgr := safety.New()
	safetyMgr.RegisterMCU(sess)

	// rct is the single control thread SPEC_FULL.md §5 specifies: a
	// cooperative event loop keyed on monotonic time that here drives the
	// clock-drift watch alongside whatever other timers future motion
	// sources register, instead of the host process blocking forever on
	// an empty select.
	rct := reactor.New()
	rct.RegisterTimer(func(eventtime float64) float64 {
		if err := sess.ClockSync().CheckDrift(driftThresholdTicks, time.Now()); err != nil {
			sess.Shutdown(err)
		}
		return eventtime + driftCheckPeriod
	}, reactor.NOW)
	rct.Run()
	defer rct.End()

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s hostd ready, session %s on %s, toolhead at %v\n",
		green("OK"), sess.ID, printerCfg.Device, th.Position())

	shutdownComplete := make(chan struct{})
	go func() {
		defer close(shutdownComplete)
		for ev := range sess.Events() {
			if ev.Kind != "shutdown" && ev.Kind != "fatal_error" {
				if ev.Kind == "move_flushed" {
					pos := th.Position()
					var x, y, z, e float64
					if len(pos) > 0 {
						x = pos[0]
					}
					if len(pos) > 1 {
						y = pos[1]
					}
					if len(pos) > 2 {
						z = pos[2]
					}
					if len(pos) > 3 {
						e = pos[3]
					}
					km.SetToolheadPosition(x, y, z, e)
				}
				logger.Info("event: %s %s", ev.Kind, ev.Detail)
				continue
			}
			logger.Event(ev.Kind, ev.SessionID, fmt.Errorf("%s", ev.Detail))
			th.Reset()
			sess.ClearQueue()
			cause := sess.ShutdownCause()
			km.RecordShutdown(cause.Error())
			km.SetMCUStatus(sess.ID, false, 0, mcuFreq)
			if errors.IsFatal(cause) {
				km.RecordError("fatal")
				if serr := safetyMgr.EmergencyStop(cause.Error()); serr != nil {
					logger.Event("emergency_stop_failed", sess.ID, serr)
				}
			}
			return
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("signal received, draining and disconnecting session %s", sess.ID)
		th.Flush()
		if err := th.FlushSteppers(); err != nil {
			logger.Event("flush_error", sess.ID, err)
		}
		sess.ClearQueue()
		sess.Shutdown(errors.MCUShutdownError("operator requested shutdown"))
		<-shutdownComplete
	case <-shutdownComplete:
	}
	return nil
}

// rails orders the configured steppers as x, y, z — the order every
// Contract implementation (cartesian, corexy) assumes for rail index.
func rails(cfg *config.PrinterConfig) []kinematics.Rail {
	var out []kinematics.Rail
	for _, name := range []string{"stepper_x", "stepper_y", "stepper_z"} {
		s, ok := cfg.Steppers[name]
		if !ok {
			continue
		}
		out = append(out, kinematics.Rail{
			Name:        name,
			StepDist:    1.0 / s.StepsPerMM(),
			PositionMin: s.PositionMin,
			PositionMax: s.PositionMax,
		})
	}
	return out
}
