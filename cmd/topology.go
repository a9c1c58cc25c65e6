package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"procodus.dev/iot-cloud/internal/broker"
	"procodus.dev/iot-cloud/internal/historian"
	"procodus.dev/iot-cloud/internal/metadata"
	"procodus.dev/iot-cloud/internal/topology"
	"procodus.dev/iot-cloud/pkg/metrics"
	"procodus.dev/iot-cloud/pkg/naming"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Manage broker topology",
	Long: `Create and delete the exchanges, queues, bindings and accounts of the
historian, templates and devices through the RabbitMQ management API.`,
}

var topologyHistorianCmd = &cobra.Command{
	Use:   "historian",
	Short: "Declare the historian exchange and queues",
	Args:  cobra.NoArgs,
	RunE:  runTopologyHistorian,
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage template topology",
}

var templateCreateCmd = &cobra.Command{
	Use:   "create <template-id>",
	Short: "Declare the exchanges of a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateCreate,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <template-id>",
	Short: "Delete the exchanges of a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Provision devices",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create <device-id>",
	Short: "Store a device and create its topology and account",
	Long: `Store a device and create its topology and account. The broker
credentials of the device are printed as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeviceCreate,
}

var deviceDeleteCmd = &cobra.Command{
	Use:   "delete <device-id>",
	Short: "Delete the topology, account and record of a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceDelete,
}

var deviceRebindCmd = &cobra.Command{
	Use:   "rebind <device-id>",
	Short: "Move a device to another template",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRebind,
}

func init() {
	rootCmd.AddCommand(topologyCmd)
	topologyCmd.AddCommand(topologyHistorianCmd, templateCmd, deviceCmd)
	templateCmd.AddCommand(templateCreateCmd, templateDeleteCmd)
	deviceCmd.AddCommand(deviceCreateCmd, deviceDeleteCmd, deviceRebindCmd)

	// Management API flags
	flags := topologyCmd.PersistentFlags()
	flags.String("management-url", "http://localhost:15672", "RabbitMQ management API URL")
	flags.String("management-user", "guest", "RabbitMQ management user")
	flags.String("management-password", "guest", "RabbitMQ management password")
	flags.String("vhost", "/", "RabbitMQ virtual host")
	flags.String("mqtt-exchange", naming.DefaultMQTTExchange, "exchange of the MQTT plugin")
	flags.Duration("timeout", topology.DefaultTimeout, "timeout of each topology operation")

	// Device records live next to the historian tables
	deviceCmd.PersistentFlags().String("db-host", "localhost", "PostgreSQL host")
	deviceCmd.PersistentFlags().Int("db-port", 5432, "PostgreSQL port")
	deviceCmd.PersistentFlags().String("db-user", "postgres", "PostgreSQL user")
	deviceCmd.PersistentFlags().String("db-password", "", "PostgreSQL password")
	deviceCmd.PersistentFlags().String("db-name", "iot", "PostgreSQL database name")
	deviceCmd.PersistentFlags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	deviceCreateCmd.Flags().Int64("template", 0, "template id of the device")
	deviceCreateCmd.Flags().String("protocol", "amqp", "protocol of the device (amqp, mqtt, both)")
	_ = deviceCreateCmd.MarkFlagRequired("template")
	deviceRebindCmd.Flags().Int64("template", 0, "new template id of the device")
	_ = deviceRebindCmd.MarkFlagRequired("template")

	// Bind flags to viper
	_ = viper.BindPFlag("topology.management.url", flags.Lookup("management-url"))
	_ = viper.BindPFlag("topology.management.user", flags.Lookup("management-user"))
	_ = viper.BindPFlag("topology.management.password", flags.Lookup("management-password"))
	_ = viper.BindPFlag("topology.management.vhost", flags.Lookup("vhost"))
	_ = viper.BindPFlag("topology.mqtt_exchange", flags.Lookup("mqtt-exchange"))
	_ = viper.BindPFlag("topology.timeout", flags.Lookup("timeout"))
	_ = viper.BindPFlag("topology.db.host", deviceCmd.PersistentFlags().Lookup("db-host"))
	_ = viper.BindPFlag("topology.db.port", deviceCmd.PersistentFlags().Lookup("db-port"))
	_ = viper.BindPFlag("topology.db.user", deviceCmd.PersistentFlags().Lookup("db-user"))
	_ = viper.BindPFlag("topology.db.password", deviceCmd.PersistentFlags().Lookup("db-password"))
	_ = viper.BindPFlag("topology.db.name", deviceCmd.PersistentFlags().Lookup("db-name"))
	_ = viper.BindPFlag("topology.db.sslmode", deviceCmd.PersistentFlags().Lookup("db-sslmode"))
}

// newTopologyManager builds a Manager over the management API.
func newTopologyManager(logger *slog.Logger) (*topology.Manager, *metrics.BrokerMetrics, error) {
	brokerMetrics := metrics.NewBrokerMetrics(metrics.Namespace)

	admin, err := broker.NewManagement(&broker.ManagementConfig{
		Logger:   logger,
		Metrics:  brokerMetrics,
		URL:      viper.GetString("topology.management.url"),
		Username: viper.GetString("topology.management.user"),
		Password: viper.GetString("topology.management.password"),
		VHost:    viper.GetString("topology.management.vhost"),
		Timeout:  viper.GetDuration("topology.timeout"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create management client: %w", err)
	}

	manager, err := topology.NewManager(&topology.Config{
		Logger:       logger,
		Admin:        admin,
		Metrics:      brokerMetrics,
		MQTTExchange: viper.GetString("topology.mqtt_exchange"),
		Timeout:      viper.GetDuration("topology.timeout"),
	})
	if err != nil {
		return nil, nil, err
	}
	return manager, brokerMetrics, nil
}

// openDirectory connects the device records database.
func openDirectory(logger *slog.Logger) (*gorm.DB, *metadata.GormDirectory, error) {
	db, err := historian.NewDB(&historian.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("topology.db.host"),
		Port:     viper.GetInt("topology.db.port"),
		User:     viper.GetString("topology.db.user"),
		Password: viper.GetString("topology.db.password"),
		DBName:   viper.GetString("topology.db.name"),
		SSLMode:  viper.GetString("topology.db.sslmode"),
		Models:   metadata.Models(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	dir, err := metadata.NewGormDirectory(db)
	if err != nil {
		_ = historian.CloseDB(db, logger)
		return nil, nil, err
	}
	return db, dir, nil
}

// newProvisioner builds a Provisioner and returns a func that releases it.
func newProvisioner(logger *slog.Logger) (*topology.Provisioner, *metadata.GormDirectory, *topology.Manager, func(), error) {
	manager, brokerMetrics, err := newTopologyManager(logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	db, dir, err := openDirectory(logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closeDB := func() { _ = historian.CloseDB(db, logger) }

	provisioner, err := topology.NewProvisioner(&topology.ProvisionerConfig{
		Logger:     logger,
		Manager:    manager,
		Repository: dir,
		Metrics:    brokerMetrics,
	})
	if err != nil {
		closeDB()
		return nil, nil, nil, nil, err
	}
	return provisioner, dir, manager, closeDB, nil
}

func parseTemplateID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid template id %q", s)
	}
	return id, nil
}

func runTopologyHistorian(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	manager, _, err := newTopologyManager(logger)
	if err != nil {
		return err
	}
	return manager.CreateHistorianTopology(cmd.Context())
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	id, err := parseTemplateID(args[0])
	if err != nil {
		return err
	}
	manager, _, err := newTopologyManager(logger)
	if err != nil {
		return err
	}
	return manager.CreateTemplateTopology(cmd.Context(), id)
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	id, err := parseTemplateID(args[0])
	if err != nil {
		return err
	}
	manager, _, err := newTopologyManager(logger)
	if err != nil {
		return err
	}
	return manager.DeleteTemplateTopology(cmd.Context(), id)
}

func runDeviceCreate(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	templateID, _ := cmd.Flags().GetInt64("template")
	protocolFlag, _ := cmd.Flags().GetString("protocol")
	protocol, err := naming.ParseProtocol(protocolFlag)
	if err != nil {
		return err
	}

	provisioner, _, _, release, err := newProvisioner(logger)
	if err != nil {
		return err
	}
	defer release()

	creds, err := provisioner.ProvisionDevice(cmd.Context(), topology.Device{
		ID:         args[0],
		TemplateID: templateID,
		Protocol:   protocol,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]string{
		"device_id": args[0],
		"username":  creds.Username,
		"password":  creds.Password,
	})
}

func runDeviceDelete(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	provisioner, _, _, release, err := newProvisioner(logger)
	if err != nil {
		return err
	}
	defer release()

	return provisioner.DeprovisionDevice(cmd.Context(), args[0])
}

func runDeviceRebind(cmd *cobra.Command, args []string) error {
	logger := GetLogger()
	ctx := cmd.Context()

	newTemplateID, _ := cmd.Flags().GetInt64("template")

	_, dir, manager, release, err := newProvisioner(logger)
	if err != nil {
		return err
	}
	defer release()

	device, err := dir.Device(ctx, args[0])
	if err != nil {
		return err
	}
	if device.TemplateID == newTemplateID {
		logger.Info("device already uses template", "device_id", device.ID, "template_id", newTemplateID)
		return nil
	}

	if err := manager.RebindDeviceTemplate(ctx, device.ID, device.TemplateID, newTemplateID); err != nil {
		return err
	}
	return dir.UpdateDeviceTemplate(ctx, device.ID, newTemplateID)
}
