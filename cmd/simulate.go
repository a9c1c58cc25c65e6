package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-cloud/internal/simulator"
	"procodus.dev/iot-cloud/pkg/generator"
	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/mq"
	"procodus.dev/iot-cloud/pkg/naming"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated devices",
	Long: `Run simulated devices that:
- Publish sensor observations and heartbeats under their routing keys
- Connect over AMQP or MQTT
- Optionally answer the commands delivered to their AMQP queues

Devices must already be provisioned with "topology device create".`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulate-specific flags
	simulateCmd.Flags().String("transport", "amqp", "device transport (amqp, mqtt)")
	simulateCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	simulateCmd.Flags().String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	simulateCmd.Flags().String("mqtt-username", "", "MQTT username (the device account)")
	simulateCmd.Flags().String("mqtt-password", "", "MQTT password")
	simulateCmd.Flags().StringSlice("devices", nil, "ids of the simulated devices")
	simulateCmd.Flags().Int("device-count", 1, "number of devices with random ids when --devices is empty")
	simulateCmd.Flags().Duration("interval", simulator.DefaultInterval, "interval between readings")
	simulateCmd.Flags().Int("pulse-every", 1, "send the heartbeat every n-th reading")
	simulateCmd.Flags().Bool("respond", false, "answer commands delivered to the device queues (amqp only)")
	simulateCmd.Flags().Int("metrics-port", 0, "Prometheus metrics port (0 disables)")

	// Bind flags to viper
	_ = viper.BindPFlag("simulate.transport", simulateCmd.Flags().Lookup("transport"))
	_ = viper.BindPFlag("simulate.rabbitmq.url", simulateCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulate.mqtt.broker", simulateCmd.Flags().Lookup("mqtt-broker"))
	_ = viper.BindPFlag("simulate.mqtt.username", simulateCmd.Flags().Lookup("mqtt-username"))
	_ = viper.BindPFlag("simulate.mqtt.password", simulateCmd.Flags().Lookup("mqtt-password"))
	_ = viper.BindPFlag("simulate.devices", simulateCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("simulate.device_count", simulateCmd.Flags().Lookup("device-count"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulate.pulse_every", simulateCmd.Flags().Lookup("pulse-every"))
	_ = viper.BindPFlag("simulate.respond", simulateCmd.Flags().Lookup("respond"))
	_ = viper.BindPFlag("simulate.metrics.port", simulateCmd.Flags().Lookup("metrics-port"))
}

func simulatedDevices() []*generator.Device {
	var devices []*generator.Device
	for _, id := range viper.GetStringSlice("simulate.devices") {
		devices = append(devices, generator.NewDeviceWithID(id))
	}
	if len(devices) > 0 {
		return devices
	}
	for range max(viper.GetInt("simulate.device_count"), 1) {
		devices = append(devices, generator.NewDevice())
	}
	return devices
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices := simulatedDevices()
	rabbitURL := viper.GetString("simulate.rabbitmq.url")
	mqMetrics := metrics.NewMQMetrics(metrics.Namespace)

	var transport simulator.Transport
	switch viper.GetString("simulate.transport") {
	case "amqp":
		client := mq.New("", rabbitURL, logger.With("component", "publisher"))
		client.SetMetrics(mqMetrics)
		defer func() { _ = client.Close() }()

		t, err := simulator.NewAMQPTransport(client)
		if err != nil {
			return err
		}
		transport = t
	case "mqtt":
		if len(devices) != 1 {
			return errors.New("the mqtt transport simulates exactly one device")
		}
		client, err := simulator.ConnectMQTT(ctx, &simulator.MQTTConfig{
			Logger:   logger,
			Broker:   viper.GetString("simulate.mqtt.broker"),
			ClientID: devices[0].ID,
			Username: viper.GetString("simulate.mqtt.username"),
			Password: viper.GetString("simulate.mqtt.password"),
		})
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		t, err := simulator.NewMQTTTransport(client, 10*time.Second)
		if err != nil {
			return err
		}
		transport = t
	default:
		return fmt.Errorf("unknown transport %q", viper.GetString("simulate.transport"))
	}

	if viper.GetBool("simulate.respond") && transport.Name() == "amqp" {
		for _, d := range devices {
			queue := naming.DeviceQueue(d.ID, naming.ProtocolAMQP)
			client := mq.New(queue, rabbitURL, logger.With("queue", queue))
			client.SetMetrics(mqMetrics)
			defer func() { _ = client.Close() }()

			responder, err := simulator.NewResponder(&simulator.ResponderConfig{
				Logger:    logger,
				Client:    client,
				Transport: transport,
				DeviceID:  d.ID,
			})
			if err != nil {
				return err
			}
			if err := responder.Start(ctx); err != nil {
				return err
			}
		}
	}

	if port := viper.GetInt("simulate.metrics.port"); port > 0 {
		srv := metrics.NewServer(port)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sim, err := simulator.New(&simulator.Config{
		Logger:     logger,
		Transport:  transport,
		Devices:    devices,
		Interval:   viper.GetDuration("simulate.interval"),
		PulseEvery: viper.GetInt("simulate.pulse_every"),
		Metrics:    metrics.NewSimulatorMetrics(metrics.Namespace),
	})
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	logger.Info("simulator configuration",
		"transport", transport.Name(),
		"devices", ids,
		"interval", viper.GetDuration("simulate.interval"))

	return sim.Run(ctx)
}
