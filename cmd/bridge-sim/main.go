package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"thermosched/go-mqtt-thermostat/internal/config"
	"thermosched/go-mqtt-thermostat/internal/mqtt"
	"thermosched/go-mqtt-thermostat/internal/mqttbroker"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	listen := flag.String("listen", "", "Start an embedded MQTT broker on this address, e.g. :1883")
	interval := flag.Duration("interval", 30*time.Second, "Interval between simulated state reports")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *configPath == "" {
		logger.Error("missing required flag: --config")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokerURL := mqtt.BrokerURL(cfg.MQTT.Broker, cfg.MQTT.Port)
	if *listen != "" {
		broker := mqttbroker.New(logger)
		broker.SetPublishHandler(func(_ context.Context, msg mqttbroker.PublishMessage) {
			logger.Debug("broker publish", "client", msg.ClientID, "topic", msg.Topic, "bytes", len(msg.Payload))
		})
		if _, err := broker.Start(*listen); err != nil {
			logger.Error("failed to start broker", "error", err)
			os.Exit(1)
		}
		defer broker.Stop()
		brokerURL = "tcp://" + broker.Addr().String()
	}

	client, err := mqtt.Connect(mqtt.Options{
		BrokerURL: brokerURL,
		ClientID:  mqtt.ClientID("bridge-sim", ""),
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Timeout:   cfg.MQTT.ConnectTimeout.Std(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	sim := newBridge(cfg.Thermostats, rand.New(rand.NewSource(time.Now().UnixNano())))

	for _, name := range cfg.Names() {
		name := name
		stateTopic := cfg.MQTT.StateTopic(name)
		err := client.Subscribe(cfg.MQTT.SetTopic(name), func(m mqtt.Message) {
			state, err := sim.apply(name, m.Payload())
			if err != nil {
				logger.Warn("ignoring set payload", "device", name, "error", err)
				return
			}
			logger.Info("applied set payload", "device", name)
			// Publishing from a paho callback must not wait for the ack.
			go func() {
				if err := client.Publish(stateTopic, state); err != nil {
					logger.Error("publish state failed", "device", name, "error", err)
				}
			}()
		})
		if err != nil {
			logger.Error("subscribe failed", "device", name, "error", err)
			os.Exit(1)
		}
	}

	publish := func() {
		for _, name := range cfg.Names() {
			state, err := sim.tick(name)
			if err != nil {
				logger.Error("simulate state failed", "device", name, "error", err)
				continue
			}
			topic := cfg.MQTT.StateTopic(name)
			if err := client.Publish(topic, state); err != nil {
				logger.Error("publish state failed", "device", name, "topic", topic, "error", err)
				continue
			}
			logger.Debug("published state", "device", name, "topic", topic)
		}
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			return
		case <-ticker.C:
			publish()
		}
	}
}
