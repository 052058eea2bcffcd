// ovenctl is the vacuum-oven controller host: a PID temperature loop
// with relay autotuning over an SSR-driven heater, plus the boot and
// recovery machinery that keeps the application image restorable from
// the SD card.
//
// Usage:
//
//	ovenctl -config /etc/ovenctl/oven.cfg [options]
//
// Options:
//
//	-config string  Configuration file (default "oven.cfg")
//	-version        Print the firmware version and exit
//	-no-reboot      Log reboot requests instead of resetting the host
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ovenctl/pkg/autotune"
	"ovenctl/pkg/boot"
	"ovenctl/pkg/config"
	"ovenctl/pkg/flashpart"
	"ovenctl/pkg/integrity"
	"ovenctl/pkg/log"
	"ovenctl/pkg/nvstore"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/ota"
	"ovenctl/pkg/pid"
	"ovenctl/pkg/reactor"
	"ovenctl/pkg/recovery"
	"ovenctl/pkg/sdcard"
	"ovenctl/pkg/stats"
	"ovenctl/pkg/status"
	"ovenctl/pkg/telemetry"
	"ovenctl/pkg/temperature"
)

// Version is the compiled-in firmware version, overridable at link time.
var Version = "1.0.0"

const appPartitionSize = 4 * 1024 * 1024

type logRebooter struct{ logger *log.Logger }

func (r logRebooter) Reboot() error {
	r.logger.Warn("reboot requested (suppressed by -no-reboot)")
	return nil
}

func main() {
	configFile := flag.String("config", "oven.cfg", "Configuration file")
	showVersion := flag.Bool("version", false, "Print the firmware version and exit")
	noReboot := flag.Bool("no-reboot", false, "Log reboot requests instead of resetting the host")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	settings, err := loadSettings(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ovenctl: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("ovenctl")
	logger.SetLevel(log.ParseLevel(settings.Log.Level))
	if settings.Log.File != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: settings.Log.File})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ovenctl: open log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
	}
	logger.Info("ovenctl %s starting", Version)

	if err := run(settings, logger, *noReboot); err != nil {
		logger.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func loadSettings(path string) (*config.Settings, error) {
	cfg, err := config.Load(path)
	if oerr.Is(err, oerr.NotFound) {
		// Run on built-in defaults when no config file is installed.
		return config.Resolve(config.New())
	}
	if err != nil {
		return nil, err
	}
	return config.Resolve(cfg)
}

func run(settings *config.Settings, logger *log.Logger, noReboot bool) error {
	rt := reactor.New()
	defer rt.Shutdown()

	if err := os.MkdirAll(settings.Storage.DataDir, 0o755); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "main", "create data dir %s", settings.Storage.DataDir)
	}

	store, err := nvstore.Open(nvstore.DefaultPath(settings.Storage.DataDir))
	if err != nil {
		return err
	}

	flashPath := settings.Storage.FlashImg
	if !filepath.IsAbs(flashPath) {
		flashPath = filepath.Join(settings.Storage.DataDir, flashPath)
	}
	fl, err := flashpart.Open(flashPath, []flashpart.Partition{
		{Label: "app0", Base: 0, Size: appPartitionSize},
		{Label: "app1", Base: appPartitionSize, Size: appPartitionSize},
	}, "app0")
	if err != nil {
		return err
	}

	card := sdcard.New(settings.Storage.SDRoot)
	checker, err := integrity.NewChecker(fl, store, logger.Child("integrity"))
	if err != nil {
		return err
	}
	rec := recovery.New(card, fl, checker, logger.Child("recovery"))

	var rebooter boot.Rebooter = boot.SysRebooter{}
	if noReboot {
		rebooter = logRebooter{logger: logger.Child("reboot")}
	}

	orch, err := boot.New(store, checker, rec, rebooter, rt, logger.Child("boot"), os.Stdout)
	if err != nil {
		return err
	}
	if err := orch.Startup(); err != nil {
		return err
	}
	decision, err := orch.CheckAndDecide()
	switch decision {
	case boot.DecisionRebooting:
		logger.Info("recovered, waiting for reset")
		return nil
	case boot.DecisionEmergency:
		orch.PrintDetailedInfo()
		return err
	}

	// Thermal chain: plant (bench mode) -> EMA -> PID -> SSR -> plant.
	plant := temperature.NewPlant(25.0, 2.0, 0.02)
	ema := temperature.NewEMA(plant, settings.PID.Smoothing)
	ssr := temperature.NewSSR(plant, rt)

	collector, err := stats.New(store, rt, logger.Child("stats"))
	if err != nil {
		return err
	}

	pidCfg := pid.Config{
		SamplePeriodMS:  uint64(settings.PID.SamplePeriodMS),
		OvershootCutoff: settings.PID.OvershootCutoff,
	}
	ctrl, err := pid.New(pidCfg, ema, ssr, store, rt, logger.Child("pid"))
	if err != nil {
		return err
	}
	if err := ctrl.Init(settings.PID.Setpoint); err != nil {
		return err
	}

	tunerCfg := autotune.Config{
		Hysteresis:       settings.Autotune.Hysteresis,
		RelayHigh:        settings.Autotune.RelayHigh,
		RelayLow:         settings.Autotune.RelayLow,
		MinCycles:        settings.Autotune.MinCycles,
		SampleIntervalMS: uint64(settings.Autotune.SampleIntervalMS),
		MaxDurationMS:    uint64(settings.Autotune.MaxDurationMS),
	}
	tuner, err := autotune.New(tunerCfg, ctrl, ema, rt, logger.Child("autotune"))
	if err != nil {
		return err
	}

	snapshot := func() status.Snapshot {
		kp, ki, kd := ctrl.Gains()
		bs := orch.Stats()
		return status.Snapshot{
			Temperature:     ema.Last(),
			Setpoint:        ctrl.Setpoint(),
			SSROn:           ctrl.IsSSROn(),
			PIDEnabled:      ctrl.Enabled(),
			Kp:              kp,
			Ki:              ki,
			Kd:              kd,
			Output:          ctrl.LastOutput(),
			AutotuneRunning: tuner.IsRunning(),
			BootAttempts:    bs.BootAttempts,
			TotalBoots:      bs.TotalBoots,
			UptimeSeconds:   rt.NowMS() / 1000,
		}
	}

	var tel *telemetry.Telemetry
	if settings.Telemetry.Enabled {
		pub, err := telemetry.NewMQTT(telemetry.MQTTConfig{
			BrokerURL: settings.Telemetry.BrokerURL,
			ClientID:  settings.Telemetry.ClientID,
		}, logger.Child("mqtt"))
		if err != nil {
			logger.Warn("telemetry disabled: %v", err)
		} else {
			tel = telemetry.New(pub, settings.Telemetry.Topic, snapshot, rt, logger.Child("telemetry"))
			if err := tel.Start(0); err != nil {
				return err
			}
			defer tel.Stop()
		}
	}

	ssr.SetListener(func(e temperature.Event) {
		collector.HandleSSREvent(e)
		if tel != nil {
			tel.HandleSSREvent(e)
		}
	})
	if err := collector.Start(0); err != nil {
		return err
	}
	defer collector.Stop()

	if settings.Status.Enabled {
		srv := status.New(settings.Status.Addr, snapshot, rt, logger.Child("status"))
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}

	var updater *ota.Updater
	if settings.OTA.VersionURL != "" && settings.OTA.FirmwareURL != "" {
		updater, err = ota.New(ota.Config{
			VersionURL:      settings.OTA.VersionURL,
			FirmwareURL:     settings.OTA.FirmwareURL,
			CurrentVersion:  Version,
			CheckTimeout:    settings.OTA.CheckTimeout,
			DownloadTimeout: settings.OTA.DownloadTimeout,
		}, card, fl, checker, rec, rebooter, logger.Child("ota"))
		if err != nil {
			return err
		}
		updater.Init()
	}

	// All subsystems are up; confirm this boot so the attempt counter
	// stops charging against us.
	if err := orch.MarkBootSuccessful(); err != nil {
		return err
	}
	collector.RecordSession()
	ctrl.Enable()
	logger.Info("regulating at %.1f C", settings.PID.Setpoint)

	if updater != nil && updater.Pending() {
		logger.Info("update available: %s", updater.RemoteVersion())
		if err := updater.PrepareRecoveryFiles(); err != nil {
			logger.Warn("preparing recovery files: %v", err)
		}
		if err := updater.Perform(recovery.UpdateImage, recovery.BaseImage); err != nil {
			logger.Error("update failed: %v", err)
		} else {
			return nil
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("received %s, shutting down", s)
	ctrl.Disable()
	if tuner.IsRunning() {
		tuner.Cancel()
	}
	return nil
}
