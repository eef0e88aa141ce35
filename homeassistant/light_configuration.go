package homeassistant

import (
	"encoding/json"
	"fmt"

	"github.com/victorjacobs/kiosk-mqtt/config"
)

// Device groups the backlight entity under the kiosk in Home Assistant.
type Device struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
}

// LightConfiguration represents the backlight as a Home Assistant MQTT light (default schema), as used
// during discovery.
type LightConfiguration struct {
	ConfigTopic string `json:"-"`

	Name                    string  `json:"name"`
	UniqueId                string  `json:"unique_id"`
	CommandTopic            string  `json:"command_topic"`
	StateTopic              string  `json:"state_topic"`
	StateValueTemplate      string  `json:"state_value_template"`
	BrightnessCommandTopic  string  `json:"brightness_command_topic"`
	BrightnessStateTopic    string  `json:"brightness_state_topic"`
	BrightnessValueTemplate string  `json:"brightness_value_template"`
	BrightnessScale         int     `json:"brightness_scale"`
	PayloadOn               string  `json:"payload_on"`
	PayloadOff              string  `json:"payload_off"`
	AvailabilityTopic       string  `json:"availability_topic"`
	PayloadAvailable        string  `json:"payload_available"`
	PayloadNotAvailable     string  `json:"payload_not_available"`
	Device                  *Device `json:"device"`
}

func NewLightConfiguration(cfg *config.Configuration, backlightName string) *LightConfiguration {
	uniqueId := fmt.Sprintf("%v_backlight", cfg.DeviceID)

	return &LightConfiguration{
		ConfigTopic:             fmt.Sprintf("%v/light/%v/config", cfg.HomeAssistant.Prefix, uniqueId),
		Name:                    fmt.Sprintf("%v backlight", cfg.DeviceID),
		UniqueId:                uniqueId,
		CommandTopic:            cfg.DisplayCommandTopic(),
		StateTopic:              cfg.StateTopic(),
		StateValueTemplate:      "{{ value_json.display }}",
		BrightnessCommandTopic:  cfg.BrightnessCommandTopic(),
		BrightnessStateTopic:    cfg.StateTopic(),
		BrightnessValueTemplate: "{{ value_json.brightness }}",
		BrightnessScale:         100,
		PayloadOn:               "ON",
		PayloadOff:              "OFF",
		AvailabilityTopic:       cfg.StatusTopic(),
		PayloadAvailable:        config.StatusOnline,
		PayloadNotAvailable:     config.StatusOffline,
		Device: &Device{
			Identifiers: []string{cfg.DeviceID},
			Name:        cfg.DeviceID,
			Model:       backlightName,
		},
	}
}

func (l *LightConfiguration) JSON() (string, error) {
	if configMarshalled, err := json.Marshal(l); err != nil {
		return "", err
	} else {
		return string(configMarshalled), nil
	}
}
