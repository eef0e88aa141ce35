package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/victorjacobs/kiosk-mqtt/backlight"
	"github.com/victorjacobs/kiosk-mqtt/bridge"
	"github.com/victorjacobs/kiosk-mqtt/config"
	"github.com/victorjacobs/kiosk-mqtt/git"
	"github.com/victorjacobs/kiosk-mqtt/updater"
)

func main() {
	configFile := flag.StringP("config", "c", "", "optional YAML or JSON configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded into the environment if present")
	logLevel := flag.String("log-level", "", "log level, overrides LOG_LEVEL")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Error loading %v: %v", *envFile, err)
	}

	var cfg *config.Configuration
	var err error
	if cfg, err = config.LoadConfiguration(*configFile); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	} else {
		log.SetLevel(level)
	}

	backlightDir, err := backlight.Discover(cfg.Backlight.Base, cfg.Backlight.Name)
	if err != nil {
		log.Fatalf("Error finding backlight: %v", err)
	}

	device, err := backlight.NewDevice(backlightDir, cfg.Backlight.LastBrightnessFile)
	if err != nil {
		log.Fatalf("Error setting up backlight: %v", err)
	}

	runner := git.ExecRunner{}
	repo := git.NewRepository(cfg.Update.RepoDir, runner)

	selfUpdater, err := updater.New(repo, runner, cfg.Update.AllowedBranch, cfg.Update.ServiceName, time.Duration(cfg.Update.Timeout))
	if err != nil {
		log.Fatalf("Error setting up updater: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages := make(chan bridge.Message, 16)

	var mqttBus *bridge.MQTTBus
	var b *bridge.Bridge

	opts := cfg.ClientOptions().
		SetOnConnectHandler(func(client mqtt.Client) {
			log.Printf("Connected to %v:%v as %v", cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.ClientID)

			if err := mqttBus.Subscribe(cfg.CommandTopics(), messages); err != nil {
				log.Errorf("%v", err)
				return
			}
			if err := b.Connected(ctx); err != nil {
				log.Errorf("Error announcing device: %v", err)
			}
		})

	mqttClient := mqtt.NewClient(opts)
	mqttBus = bridge.NewMQTTBus(mqttClient)

	if b, err = bridge.New(cfg, mqttBus, device, repo, selfUpdater); err != nil {
		log.Fatalf("Error setting up bridge: %v", err)
	}

	log.Printf("Controlling %v for %v, publishing under %v", device.Name(), cfg.DeviceID, cfg.TopicPrefix)

	if t := mqttClient.Connect(); t.Wait() && t.Error() != nil {
		log.Fatalf("MQTT connection error: %v", t.Error())
	}

	if err := b.Run(ctx, messages); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Bridge stopped: %v", err)
	}

	log.Printf("Shutting down")

	b.Wait()
	if err := b.Disconnecting(); err != nil {
		log.Warnf("Could not publish offline status: %v", err)
	}
	mqttClient.Disconnect(250)
}
