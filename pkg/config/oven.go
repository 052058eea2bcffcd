package config

import "time"

// Settings is the fully resolved oven.cfg: every option validated, with
// firmware defaults where the file is silent.
type Settings struct {
	PID struct {
		SamplePeriodMS  int
		OvershootCutoff float64
		Setpoint        float64
		Smoothing       float64
	}

	Autotune struct {
		Hysteresis       float64
		RelayHigh        float64
		RelayLow         float64
		MinCycles        int
		SampleIntervalMS int
		MaxDurationMS    int
	}

	OTA struct {
		VersionURL      string
		FirmwareURL     string
		CheckTimeout    time.Duration
		DownloadTimeout time.Duration
	}

	Status struct {
		Enabled bool
		Addr    string
	}

	Telemetry struct {
		Enabled  bool
		BrokerURL string
		ClientID  string
		Topic     string
	}

	Storage struct {
		DataDir  string
		SDRoot   string
		FlashImg string
	}

	Log struct {
		Level string
		File  string
	}
}

// Resolve validates the parsed file into Settings.
func Resolve(c *Config) (*Settings, error) {
	s := &Settings{}
	var err error

	pid := c.Section("pid")
	if s.PID.SamplePeriodMS, err = pid.GetInt("sample_period_ms", 5000, 100, 60000); err != nil {
		return nil, err
	}
	if s.PID.OvershootCutoff, err = pid.GetFloat("overshoot_cutoff", 0.5, 0, 10); err != nil {
		return nil, err
	}
	if s.PID.Setpoint, err = pid.GetFloat("setpoint", 60, 0, 300); err != nil {
		return nil, err
	}
	if s.PID.Smoothing, err = pid.GetFloat("smoothing", 0.2, 0.01, 1); err != nil {
		return nil, err
	}

	at := c.Section("autotune")
	if s.Autotune.Hysteresis, err = at.GetFloat("hysteresis", 0.5, 0.01, 10); err != nil {
		return nil, err
	}
	if s.Autotune.RelayHigh, err = at.GetFloat("relay_high", 100, 0, 100); err != nil {
		return nil, err
	}
	if s.Autotune.RelayLow, err = at.GetFloat("relay_low", 0, 0, 100); err != nil {
		return nil, err
	}
	if s.Autotune.MinCycles, err = at.GetInt("min_cycles", 5, 1, 100); err != nil {
		return nil, err
	}
	if s.Autotune.SampleIntervalMS, err = at.GetInt("sample_interval_ms", 100, 10, 10000); err != nil {
		return nil, err
	}
	if s.Autotune.MaxDurationMS, err = at.GetInt("max_duration_ms", 30*60*1000, 0, 24*3600*1000); err != nil {
		return nil, err
	}

	ota := c.Section("ota")
	s.OTA.VersionURL = ota.Get("version_url", "")
	s.OTA.FirmwareURL = ota.Get("firmware_url", "")
	checkS, err := ota.GetInt("check_timeout_s", 15, 1, 600)
	if err != nil {
		return nil, err
	}
	downloadS, err := ota.GetInt("download_timeout_s", 300, 1, 3600)
	if err != nil {
		return nil, err
	}
	s.OTA.CheckTimeout = time.Duration(checkS) * time.Second
	s.OTA.DownloadTimeout = time.Duration(downloadS) * time.Second

	st := c.Section("status")
	if s.Status.Enabled, err = st.GetBool("enabled", true); err != nil {
		return nil, err
	}
	s.Status.Addr = st.Get("addr", ":8880")

	tel := c.Section("telemetry")
	if s.Telemetry.Enabled, err = tel.GetBool("enabled", false); err != nil {
		return nil, err
	}
	s.Telemetry.BrokerURL = tel.Get("broker_url", "tcp://127.0.0.1:1883")
	s.Telemetry.ClientID = tel.Get("client_id", "ovenctl")
	s.Telemetry.Topic = tel.Get("topic", "oven")

	stor := c.Section("storage")
	s.Storage.DataDir = stor.Get("data_dir", "/var/lib/ovenctl")
	s.Storage.SDRoot = stor.Get("sd_root", "/mnt/sdcard")
	s.Storage.FlashImg = stor.Get("flash_img", "flash.img")

	lg := c.Section("log")
	s.Log.Level = lg.Get("level", "info")
	s.Log.File = lg.Get("file", "")

	return s, nil
}
