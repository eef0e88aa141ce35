package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/victorjacobs/kiosk-mqtt/config"
	"github.com/victorjacobs/kiosk-mqtt/homeassistant"
)

// Updater performs the self-update.
type Updater interface {
	Update(ctx context.Context) error
}

// Bridge applies commands from MQTT to the backlight and publishes the resulting state. Commands are
// handled one at a time; a failed command produces one error notification and no state.
type Bridge struct {
	cfg       *config.Configuration
	backlight Backlight
	updater   Updater
	publisher *Publisher
	commands  map[string]Command

	// held across every mutation and the publish that follows it
	mutex   sync.Mutex
	updates sync.WaitGroup
}

func New(cfg *config.Configuration, bus Bus, backlight Backlight, version VersionProbe, updater Updater) (*Bridge, error) {
	if cfg == nil || bus == nil || backlight == nil || version == nil || updater == nil {
		return nil, errors.New("bridge requires configuration, bus, backlight, version probe and updater")
	}

	return &Bridge{
		cfg:       cfg,
		backlight: backlight,
		updater:   updater,
		publisher: NewPublisher(cfg, bus, backlight, version),
		commands: map[string]Command{
			cfg.BrightnessCommandTopic(): CommandBrightness,
			cfg.DisplayCommandTopic():    CommandDisplay,
			cfg.UpdateCommandTopic():     CommandUpdate,
			cfg.VersionCommandTopic():    CommandVersion,
		},
	}, nil
}

// Run handles messages from in until ctx is done or in is closed.
func (b *Bridge) Run(ctx context.Context, in <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			b.Handle(ctx, msg)
		}
	}
}

// Handle processes a single inbound message.
func (b *Bridge) Handle(ctx context.Context, msg Message) {
	cmd, ok := b.commands[msg.Topic]
	if !ok {
		log.Warnf("Dropping message on unexpected topic %v", msg.Topic)
		return
	}

	if err := b.handle(ctx, cmd, msg.Payload); err != nil {
		b.reportError(cmd, err)
	}
}

func (b *Bridge) handle(ctx context.Context, cmd Command, payload []byte) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic while handling %v command: %v", cmd, v)
		}
	}()

	intent, err := Normalize(cmd, payload)
	if err != nil {
		return err
	}

	switch intent.Kind {
	case Ignore:
		log.Warnf("Ignoring %v command with payload %q", cmd, payload)
		return nil
	case RequestUpdate:
		b.startUpdate(ctx)
		return nil
	}

	log.Printf("Applying %v", intent)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.apply(intent); err != nil {
		return err
	}

	return b.publisher.PublishState(ctx)
}

func (b *Bridge) apply(intent Intent) error {
	switch intent.Kind {
	case SetBrightness:
		if intent.Percent == 0 {
			return b.turnOff()
		}
		b.backlight.SaveLastNonZero(intent.Percent)
		return b.backlight.SetPercent(intent.Percent)
	case SetDisplay:
		if intent.Display == DisplayOff {
			return b.turnOff()
		}
		return b.backlight.SetPercent(b.backlight.LoadLastNonZero(b.cfg.Backlight.DefaultBrightness))
	}

	return nil
}

// turnOff remembers the current brightness for the next ON, then blanks the screen.
func (b *Bridge) turnOff() error {
	current, err := b.backlight.Percent()
	if err != nil {
		return err
	}
	b.backlight.SaveLastNonZero(current)

	return b.backlight.SetPercent(0)
}

// startUpdate runs the updater in the background. The updater itself refuses overlapping runs.
func (b *Bridge) startUpdate(ctx context.Context) {
	b.updates.Add(1)

	go func() {
		defer b.updates.Done()
		defer func() {
			if v := recover(); v != nil {
				b.reportError(CommandUpdate, fmt.Errorf("panic during update: %v", v))
			}
		}()

		log.Printf("Starting update")

		if err := b.updater.Update(ctx); err != nil {
			b.reportError(CommandUpdate, err)
			return
		}

		b.mutex.Lock()
		defer b.mutex.Unlock()

		if err := b.publisher.PublishState(ctx); err != nil {
			b.reportError(CommandUpdate, err)
		}
	}()
}

func (b *Bridge) reportError(cmd Command, err error) {
	log.Errorf("%v command failed: %v", cmd, err)

	if err := b.publisher.PublishError(err); err != nil {
		log.Errorf("Could not publish error notification: %v", err)
	}
}

// Connected announces the device after every (re)connect: availability, optional Home Assistant
// discovery and the current state.
func (b *Bridge) Connected(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.publisher.PublishStatus(config.StatusOnline); err != nil {
		return fmt.Errorf("MQTT publish failed: %w", err)
	}

	if b.cfg.HomeAssistant.Discovery {
		light := homeassistant.NewLightConfiguration(b.cfg, b.backlight.Name())
		if configJson, err := light.JSON(); err != nil {
			return fmt.Errorf("error marshalling light configuration: %w", err)
		} else if err := b.publisher.bus.Publish(light.ConfigTopic, true, []byte(configJson)); err != nil {
			return fmt.Errorf("MQTT publish failed: %w", err)
		}

		log.Printf("Registered %v with Homeassistant", b.backlight.Name())
	}

	return b.publisher.PublishState(ctx)
}

// Disconnecting marks the device offline before a clean shutdown.
func (b *Bridge) Disconnecting() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.publisher.PublishStatus(config.StatusOffline)
}

// Wait blocks until background updates have finished.
func (b *Bridge) Wait() {
	b.updates.Wait()
}
