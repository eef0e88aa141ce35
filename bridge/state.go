package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/victorjacobs/kiosk-mqtt/config"
	"github.com/victorjacobs/kiosk-mqtt/git"
)

// Backlight is the device the bridge controls.
type Backlight interface {
	Name() string
	Percent() (int, error)
	SetPercent(p int) error
	SaveLastNonZero(p int)
	LoadLastNonZero(def int) int
}

// VersionProbe reports the checked out source version.
type VersionProbe interface {
	Current(ctx context.Context) git.Version
}

// stateSnapshot is the retained state document.
type stateSnapshot struct {
	Device     string  `json:"device"`
	Backlight  string  `json:"backlight"`
	Brightness int     `json:"brightness"`
	Display    Display `json:"display"`
	Branch     string  `json:"git_branch"`
	Revision   string  `json:"git_sha"`
	Timestamp  int64   `json:"ts"`
}

// errorNotification is published, not retained, when a command fails.
type errorNotification struct {
	Device    string `json:"device"`
	Error     string `json:"error"`
	Timestamp int64  `json:"ts"`
}

// Publisher assembles state snapshots and error notifications and sends them on the bus.
type Publisher struct {
	cfg       *config.Configuration
	bus       Bus
	backlight Backlight
	version   VersionProbe
	now       func() time.Time
}

func NewPublisher(cfg *config.Configuration, bus Bus, backlight Backlight, version VersionProbe) *Publisher {
	return &Publisher{
		cfg:       cfg,
		bus:       bus,
		backlight: backlight,
		version:   version,
		now:       time.Now,
	}
}

func (p *Publisher) snapshot(ctx context.Context) (*stateSnapshot, error) {
	percent, err := p.backlight.Percent()
	if err != nil {
		return nil, err
	}

	version := p.version.Current(ctx)

	state := &stateSnapshot{
		Device:     p.cfg.DeviceID,
		Backlight:  p.backlight.Name(),
		Brightness: percent,
		Display:    DisplayOff,
		Branch:     version.Branch,
		Revision:   version.Revision,
		Timestamp:  p.now().Unix(),
	}
	if percent > 0 {
		state.Display = DisplayOn
	}

	return state, nil
}

// PublishState publishes the current device state, retained.
func (p *Publisher) PublishState(ctx context.Context) error {
	state, err := p.snapshot(ctx)
	if err != nil {
		return err
	}

	if stateMarshalled, err := json.Marshal(state); err != nil {
		return fmt.Errorf("error marshalling state: %w", err)
	} else if err := p.bus.Publish(p.cfg.StateTopic(), true, stateMarshalled); err != nil {
		return fmt.Errorf("[%v] publish error: %w", p.cfg.StateTopic(), err)
	}

	return nil
}

// PublishError reports a failed command, not retained.
func (p *Publisher) PublishError(cause error) error {
	notification := &errorNotification{
		Device:    p.cfg.DeviceID,
		Error:     cause.Error(),
		Timestamp: p.now().Unix(),
	}

	if notificationMarshalled, err := json.Marshal(notification); err != nil {
		return fmt.Errorf("error marshalling error notification: %w", err)
	} else if err := p.bus.Publish(p.cfg.ErrorTopic(), false, notificationMarshalled); err != nil {
		return fmt.Errorf("[%v] publish error: %w", p.cfg.ErrorTopic(), err)
	}

	return nil
}

// PublishStatus publishes an availability payload, retained.
func (p *Publisher) PublishStatus(status string) error {
	return p.bus.Publish(p.cfg.StatusTopic(), true, []byte(status))
}
