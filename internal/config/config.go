// Package config loads the agent configuration: a TOML file plus
// environment overrides, validated once at startup and never mutated.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

type Config struct {
	WiFi       WiFi
	MQTT       MQTT
	Topics     Topics
	I2C        I2C `toml:"i2c"`
	OTA        OTA `toml:"ota"`
	Solar      Solar
	Schedule   Schedule
	Connection Connection
	Influx     Influx
	HTTP       HTTP `toml:"http"`
	GRPC       GRPC `toml:"grpc"`
	Log        Log
}

type WiFi struct {
	SSID      string `toml:"ssid"`
	Password  string
	Interface string
	Provider  string // "nmcli" | "static"
}

type MQTT struct {
	Host           string
	Port           int
	User           string
	Password       string
	ClientID       string   `toml:"client_id"`
	KeepAlive      Duration `toml:"keepalive"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type Topics struct {
	Voltage string
	Current string
	Power   string
	Sunrise string
	Sunset  string
	OTA     string `toml:"ota"`
}

type I2C struct {
	Bus        string
	SDAPin     int     `toml:"sda_pin"`
	SCLPin     int     `toml:"scl_pin"`
	Address    uint16  // 0 = default of the model
	Model      string  // ina219 | ina228 | sim
	ShuntOhms  float64 `toml:"shunt_ohms"`
	MaxCurrent float64 `toml:"max_current"` // A, sets current LSB
	Timeout    Duration
}

type OTA struct {
	Password string
	MaxPause Duration `toml:"max_pause"`
}

type Solar struct {
	Latitude     *float64
	Longitude    *float64
	Timezone     string
	DaylightOnly bool `toml:"daylight_only"`
}

type Schedule struct {
	Period  Duration
	NetTick Duration `toml:"net_tick"`
}

type Connection struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Cooldown       Duration
}

type Influx struct {
	URL     string `toml:"url"`
	Token   string
	Org     string
	Bucket  string
	Timeout Duration
}

type HTTP struct {
	Addr string
}

type GRPC struct {
	Addr string
}

type Log struct {
	Level string
}

// Default returns the configuration used for every field the file omits.
func Default() Config {
	return Config{
		WiFi: WiFi{Provider: "nmcli", Interface: "wlan0"},
		MQTT: MQTT{
			Port:           1883,
			KeepAlive:      Duration(15 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
		},
		I2C: I2C{
			Bus:        "1",
			SDAPin:     2,
			SCLPin:     3,
			Model:      string(model.ModelINA219),
			ShuntOhms:  0.1,
			MaxCurrent: 3.2,
			Timeout:    Duration(250 * time.Millisecond),
		},
		OTA:      OTA{MaxPause: Duration(10 * time.Minute)},
		Solar:    Solar{Timezone: "Local"},
		Schedule: Schedule{Period: Duration(10 * time.Second), NetTick: Duration(500 * time.Millisecond)},
		Connection: Connection{
			MaxAttempts:    5,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Cooldown:       Duration(time.Minute),
		},
		Influx: Influx{Org: "powermon", Bucket: "telemetry", Timeout: Duration(2 * time.Second)},
		Log:    Log{Level: "info"},
	}
}

// Load decodes path over the defaults, applies environment overrides and validates.
// Any failure is a *model.ConfigError.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, &model.ConfigError{Field: "file", Err: errors.Wrapf(err, "decoding %s", path)}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, &model.ConfigError{Field: undecoded[0].String(), Err: errors.New("unknown key")}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// segreti fuori dal file
func applyEnv(c *Config) {
	c.WiFi.SSID = envStr("POWERMON_WIFI_SSID", c.WiFi.SSID)
	c.WiFi.Password = envStr("POWERMON_WIFI_PASS", c.WiFi.Password)
	c.MQTT.Host = envStr("POWERMON_MQTT_HOST", c.MQTT.Host)
	c.MQTT.Port = envInt("POWERMON_MQTT_PORT", c.MQTT.Port)
	c.MQTT.User = envStr("POWERMON_MQTT_USER", c.MQTT.User)
	c.MQTT.Password = envStr("POWERMON_MQTT_PASS", c.MQTT.Password)
	c.OTA.Password = envStr("POWERMON_OTA_PASSWORD", c.OTA.Password)
	c.Influx.Token = envStr("POWERMON_INFLUX_TOKEN", c.Influx.Token)
	c.Log.Level = envStr("POWERMON_LOG_LEVEL", c.Log.Level)
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "powermon-" + uuid.NewString()[:8]
	}
}

func invalid(field, format string, args ...interface{}) error {
	return &model.ConfigError{Field: field, Err: errors.Errorf(format, args...)}
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	switch c.WiFi.Provider {
	case "nmcli":
		if c.WiFi.SSID == "" {
			return invalid("wifi.ssid", "required with provider nmcli")
		}
	case "static":
	default:
		return invalid("wifi.provider", "unknown provider %q", c.WiFi.Provider)
	}
	if c.MQTT.Host == "" {
		return invalid("mqtt.host", "required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return invalid("mqtt.port", "out of range: %d", c.MQTT.Port)
	}
	if c.Topics.Voltage == "" || c.Topics.Current == "" || c.Topics.Power == "" {
		return invalid("topics", "voltage, current and power topics are required")
	}
	if (c.Topics.Sunrise == "") != (c.Topics.Sunset == "") {
		return invalid("topics", "sunrise and sunset topics must be set together")
	}
	switch model.SensorModel(c.I2C.Model) {
	case model.ModelINA219, model.ModelINA228, model.ModelSim:
	default:
		return invalid("i2c.model", "unknown sensor model %q", c.I2C.Model)
	}
	if c.I2C.SDAPin < 0 || c.I2C.SCLPin < 0 || c.I2C.SDAPin == c.I2C.SCLPin {
		return invalid("i2c", "invalid pin pair sda=%d scl=%d", c.I2C.SDAPin, c.I2C.SCLPin)
	}
	if c.I2C.Address > 0x7f {
		return invalid("i2c.address", "not a 7-bit address: 0x%x", c.I2C.Address)
	}
	if c.I2C.ShuntOhms <= 0 || c.I2C.MaxCurrent <= 0 {
		return invalid("i2c", "shunt_ohms and max_current must be positive")
	}
	if (c.Solar.Latitude == nil) != (c.Solar.Longitude == nil) {
		return invalid("solar", "latitude and longitude must be set together")
	}
	if c.Solar.Latitude != nil {
		if lat := *c.Solar.Latitude; lat < -90 || lat > 90 {
			return invalid("solar.latitude", "out of range: %g", lat)
		}
		if lon := *c.Solar.Longitude; lon < -180 || lon > 180 {
			return invalid("solar.longitude", "out of range: %g", lon)
		}
		if _, err := time.LoadLocation(c.Solar.Timezone); err != nil {
			return &model.ConfigError{Field: "solar.timezone", Err: errors.Wrap(err, "loading location")}
		}
	} else if c.Solar.DaylightOnly {
		return invalid("solar.daylight_only", "needs latitude and longitude")
	}
	if c.Schedule.Period.D() <= 0 || c.Schedule.NetTick.D() <= 0 {
		return invalid("schedule", "period and net_tick must be positive")
	}
	if c.Schedule.NetTick.D() > c.Schedule.Period.D() {
		return invalid("schedule.net_tick", "must not exceed period")
	}
	if c.Connection.MaxAttempts < 1 {
		return invalid("connection.max_attempts", "must be at least 1")
	}
	if c.Connection.InitialBackoff.D() <= 0 || c.Connection.MaxBackoff.D() < c.Connection.InitialBackoff.D() {
		return invalid("connection", "backoff bounds are inconsistent")
	}
	if c.Topics.OTA != "" && c.OTA.Password == "" {
		return invalid("ota.password", "required when topics.ota is set")
	}
	if c.Influx.URL != "" && c.Influx.Token == "" {
		return invalid("influx.token", "required when influx.url is set")
	}
	return nil
}

// SolarEnabled reports whether a location is configured.
func (c Config) SolarEnabled() bool {
	return c.Solar.Latitude != nil && c.Solar.Longitude != nil
}

// Location returns the timezone used for calendar dates. Validate has
// already checked it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Solar.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Sensor returns the identity of the configured monitor.
func (c Config) Sensor() model.Sensor {
	m := model.SensorModel(c.I2C.Model)
	addr := c.I2C.Address
	if addr == 0 {
		addr = 0x40
	}
	return model.Sensor{ID: c.MQTT.ClientID, Model: m, Bus: c.I2C.Bus, Address: addr}
}
