package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

const baseTOML = `
[wifi]
ssid = "lab"
password = "secret"

[mqtt]
host = "10.0.0.2"
port = 1883
user = "ina"
password = "pw"

[topics]
voltage = "sensor/ina219/voltage"
current = "sensor/ina219/current"
power   = "sensor/ina219/power"

[i2c]
sda_pin = 4
scl_pin = 5

[ota]
password = "flash"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "powermon.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseTOML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WiFi.SSID != "lab" {
		t.Errorf("WiFi.SSID = %q, want %q", cfg.WiFi.SSID, "lab")
	}
	if cfg.I2C.SDAPin != 4 || cfg.I2C.SCLPin != 5 {
		t.Errorf("pins = %d/%d, want 4/5", cfg.I2C.SDAPin, cfg.I2C.SCLPin)
	}
	if cfg.Schedule.Period.D() != 10*time.Second {
		t.Errorf("Schedule.Period = %v, want 10s", cfg.Schedule.Period.D())
	}
	if cfg.Connection.MaxAttempts != 5 {
		t.Errorf("Connection.MaxAttempts = %d, want 5", cfg.Connection.MaxAttempts)
	}
	if !strings.HasPrefix(cfg.MQTT.ClientID, "powermon-") {
		t.Errorf("MQTT.ClientID = %q, want powermon- prefix", cfg.MQTT.ClientID)
	}
	if cfg.SolarEnabled() {
		t.Error("SolarEnabled() = true without coordinates")
	}
	if got := cfg.Sensor().Address; got != 0x40 {
		t.Errorf("Sensor().Address = 0x%x, want 0x40", got)
	}
}

func TestLoad_SolarVariant(t *testing.T) {
	body := baseTOML + `
[solar]
latitude = 50.0
longitude = 13.0
timezone = "UTC"
`
	body = strings.Replace(body, `power   = "sensor/ina219/power"`,
		`power   = "sensor/ina219/power"
sunrise = "sensor/ina228/sunrise"
sunset  = "sensor/ina228/sunset"`, 1)

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.SolarEnabled() {
		t.Fatal("SolarEnabled() = false, want true")
	}
	if *cfg.Solar.Latitude != 50.0 || *cfg.Solar.Longitude != 13.0 {
		t.Errorf("coordinates = %v/%v, want 50/13", *cfg.Solar.Latitude, *cfg.Solar.Longitude)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v, want UTC", cfg.Location())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("POWERMON_MQTT_PASS", "from-env")
	t.Setenv("POWERMON_MQTT_PORT", "8883")

	cfg, err := Load(writeConfig(t, baseTOML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Password != "from-env" {
		t.Errorf("MQTT.Password = %q, want from-env", cfg.MQTT.Password)
	}
	if cfg.MQTT.Port != 8883 {
		t.Errorf("MQTT.Port = %d, want 8883", cfg.MQTT.Port)
	}
}

func TestLoad_Durations(t *testing.T) {
	body := baseTOML + `
[schedule]
period = "30s"
net_tick = "250ms"
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Schedule.Period.D() != 30*time.Second || cfg.Schedule.NetTick.D() != 250*time.Millisecond {
		t.Errorf("schedule = %v/%v, want 30s/250ms", cfg.Schedule.Period.D(), cfg.Schedule.NetTick.D())
	}
}

func TestLoad_Errors(t *testing.T) {
	for _, test := range []struct {
		name  string
		body  string
		field string
	}{
		{"missing ssid", strings.Replace(baseTOML, `ssid = "lab"`, "", 1), "wifi.ssid"},
		{"missing host", strings.Replace(baseTOML, `host = "10.0.0.2"`, "", 1), "mqtt.host"},
		{"missing topic", strings.Replace(baseTOML, `power   = "sensor/ina219/power"`, "", 1), "topics"},
		{"same pins", strings.Replace(baseTOML, "scl_pin = 5", "scl_pin = 4", 1), "i2c"},
		{"half location", baseTOML + "\n[solar]\nlatitude = 50.0\n", "solar"},
		{"log section accepted", baseTOML + "\n[log]\nlevel = \"info\"\n", ""},
		{"unknown key", baseTOML + "\n[extra]\nfoo = 1\n", "extra"},
		{"bad duration", baseTOML + "\n[schedule]\nperiod = \"soon\"\n", "file"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, test.body))
			if test.field == "" {
				if err != nil {
					t.Fatalf("Load() error = %v, want nil", err)
				}
				return
			}
			var cerr *model.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Load() error = %v, want *model.ConfigError", err)
			}
			if !strings.HasPrefix(cerr.Field, test.field) {
				t.Errorf("ConfigError.Field = %q, want prefix %q", cerr.Field, test.field)
			}
		})
	}
}

func TestValidate_OTATopicNeedsPassword(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseTOML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Topics.OTA = "sensor/ina219/ota"
	cfg.OTA.Password = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for ota topic without password")
	}
}
