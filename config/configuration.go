package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Configuration is built once at startup and shared read-only by every component.
type Configuration struct {
	MQTT          *MQTT          `json:"mqtt" yaml:"mqtt"`
	DeviceID      string         `json:"device_id" yaml:"device_id"`
	TopicPrefix   string         `json:"topic_prefix" yaml:"topic_prefix"`
	Backlight     *Backlight     `json:"backlight" yaml:"backlight"`
	Update        *Update        `json:"update" yaml:"update"`
	HomeAssistant *HomeAssistant `json:"home_assistant" yaml:"home_assistant"`
	LogLevel      string         `json:"log_level" yaml:"log_level"`
}

type MQTT struct {
	Host      string   `json:"host" yaml:"host"`
	Port      int      `json:"port" yaml:"port"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
	ClientID  string   `json:"client_id" yaml:"client_id"`
	KeepAlive Duration `json:"keep_alive" yaml:"keep_alive"`
}

type Backlight struct {
	Base               string `json:"base" yaml:"base"`                                 // Directory holding backlight class devices
	Name               string `json:"name" yaml:"name"`                                 // Preferred backlight device
	LastBrightnessFile string `json:"last_brightness_file" yaml:"last_brightness_file"` // Where the brightness to restore on ON is kept
	DefaultBrightness  int    `json:"default_brightness" yaml:"default_brightness"`     // Restored on ON when nothing was persisted
}

type Update struct {
	RepoDir       string   `json:"repo_dir" yaml:"repo_dir"`
	ServiceName   string   `json:"service_name" yaml:"service_name"`
	AllowedBranch string   `json:"allowed_branch" yaml:"allowed_branch"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
}

type HomeAssistant struct {
	Discovery bool   `json:"discovery" yaml:"discovery"`
	Prefix    string `json:"prefix" yaml:"prefix"`
}

// Duration accepts Go duration strings ("90s", "5m") in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func defaultConfiguration() *Configuration {
	return &Configuration{
		MQTT: &MQTT{
			Host:      "192.168.1.101",
			Port:      1883,
			KeepAlive: Duration(60 * time.Second),
		},
		DeviceID: "ubuntu_kiosk",
		Backlight: &Backlight{
			Base:               "/sys/class/backlight",
			Name:               "intel_backlight",
			LastBrightnessFile: "/var/tmp/kiosk_last_brightness.txt",
			DefaultBrightness:  40,
		},
		Update: &Update{
			RepoDir:       "/opt/kiosk-mqtt",
			ServiceName:   "kiosk-mqtt.service",
			AllowedBranch: "main",
			Timeout:       Duration(5 * time.Minute),
		},
		HomeAssistant: &HomeAssistant{
			Prefix: "homeassistant",
		},
		LogLevel: "info",
	}
}

// LoadConfiguration builds the configuration from defaults, the optional file and the process
// environment, in that order of precedence.
func LoadConfiguration(filename string) (*Configuration, error) {
	return loadConfiguration(filename, os.LookupEnv)
}

func loadConfiguration(filename string, lookupEnv func(string) (string, bool)) (*Configuration, error) {
	configuration := defaultConfiguration()

	if filename != "" {
		if err := configuration.decodeFile(filename); err != nil {
			return nil, fmt.Errorf("reading %v: %w", filename, err)
		}
	}

	if err := configuration.applyEnvironment(lookupEnv); err != nil {
		return nil, err
	}

	if configuration.TopicPrefix == "" {
		configuration.TopicPrefix = "kiosk/" + configuration.DeviceID
	}
	configuration.TopicPrefix = strings.TrimSuffix(configuration.TopicPrefix, "/")

	if configuration.MQTT.ClientID == "" {
		configuration.MQTT.ClientID = fmt.Sprintf("kiosk-%v-%v", configuration.DeviceID, uuid.NewString()[:8])
	}

	if err := configuration.validate(); err != nil {
		return nil, err
	}

	return configuration, nil
}

func (c *Configuration) decodeFile(filename string) error {
	b, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, c)
	default:
		return json.Unmarshal(jsonc.ToJSON(b), c)
	}
}

func (c *Configuration) applyEnvironment(lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	str("MQTT_HOST", &c.MQTT.Host)
	str("MQTT_USER", &c.MQTT.Username)
	str("MQTT_PASS", &c.MQTT.Password)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("DEVICE_ID", &c.DeviceID)
	str("TOPIC_PREFIX", &c.TopicPrefix)
	str("BACKLIGHT_BASE", &c.Backlight.Base)
	str("BACKLIGHT_NAME", &c.Backlight.Name)
	str("LAST_BRIGHTNESS_FILE", &c.Backlight.LastBrightnessFile)
	str("REPO_DIR", &c.Update.RepoDir)
	str("SERVICE_NAME", &c.Update.ServiceName)
	str("ALLOWED_BRANCH", &c.Update.AllowedBranch)
	str("HA_PREFIX", &c.HomeAssistant.Prefix)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookupEnv("MQTT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		c.MQTT.Port = port
	}

	if v, ok := lookupEnv("DEFAULT_BRIGHTNESS"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEFAULT_BRIGHTNESS: %w", err)
		}
		c.Backlight.DefaultBrightness = p
	}

	if v, ok := lookupEnv("UPDATE_TIMEOUT"); ok && v != "" {
		if err := c.Update.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("UPDATE_TIMEOUT: %w", err)
		}
	}

	if v, ok := lookupEnv("HA_DISCOVERY"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HA_DISCOVERY: %w", err)
		}
		c.HomeAssistant.Discovery = enabled
	}

	return nil
}

func (c *Configuration) validate() error {
	switch {
	case c.DeviceID == "":
		return errors.New("device_id is required")
	case c.MQTT.Host == "":
		return errors.New("mqtt host is required")
	case c.MQTT.Port < 1 || c.MQTT.Port > 65535:
		return fmt.Errorf("mqtt port %v out of range", c.MQTT.Port)
	case c.Backlight.Name == "":
		return errors.New("backlight name is required")
	case c.Backlight.DefaultBrightness < 1 || c.Backlight.DefaultBrightness > 100:
		return fmt.Errorf("default brightness %v must be within 1..100", c.Backlight.DefaultBrightness)
	case c.Update.AllowedBranch == "":
		return errors.New("allowed branch is required")
	case c.Update.ServiceName == "":
		return errors.New("service name is required")
	case c.Update.Timeout <= 0:
		return errors.New("update timeout must be positive")
	}

	return nil
}

// ClientOptions returns paho options for the configured broker. The status topic doubles as last will.
func (c *Configuration) ClientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%v:%v", c.MQTT.Host, c.MQTT.Port)).
		SetClientID(c.MQTT.ClientID).
		SetUsername(c.MQTT.Username).
		SetPassword(c.MQTT.Password).
		SetKeepAlive(time.Duration(c.MQTT.KeepAlive)).
		SetAutoReconnect(true).
		SetWill(c.StatusTopic(), StatusOffline, 1, true).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		}).
		SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
			log.Printf("MQTT reconnecting")
		})
}
