package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-cloud/internal/ingest"
	"procodus.dev/iot-cloud/pkg/metrics"
)

var historianCmd = &cobra.Command{
	Use:   "historian",
	Short: "Run the historian",
	Long: `Run the historian that:
- Consumes commands, observations, pulses and notifications from RabbitMQ
- Aggregates running statistics and pulse periods
- Persists history to PostgreSQL and current values to Redis
- Serves gRPC health and Prometheus metrics

Run each historian queue in exactly one instance.`,
	RunE: runHistorian,
}

func init() {
	rootCmd.AddCommand(historianCmd)

	// Historian-specific flags
	historianCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	historianCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	historianCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	historianCmd.Flags().String("db-password", "", "PostgreSQL password")
	historianCmd.Flags().String("db-name", "iot", "PostgreSQL database name")
	historianCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	historianCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	historianCmd.Flags().StringSlice("queues", nil, "historian queues to consume (default all)")
	historianCmd.Flags().String("redis-addr", "localhost:6379", "Redis address")
	historianCmd.Flags().String("redis-password", "", "Redis password")
	historianCmd.Flags().Int("redis-db", 0, "Redis database")
	historianCmd.Flags().Int("writer-shards", 4, "number of history writer shards")
	historianCmd.Flags().Int("grpc-port", 9090, "gRPC health server port")
	historianCmd.Flags().Int("metrics-port", 9091, "Prometheus metrics port (0 disables)")

	// Bind flags to viper
	_ = viper.BindPFlag("historian.db.host", historianCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("historian.db.port", historianCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("historian.db.user", historianCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("historian.db.password", historianCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("historian.db.name", historianCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("historian.db.sslmode", historianCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("historian.rabbitmq.url", historianCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("historian.rabbitmq.queues", historianCmd.Flags().Lookup("queues"))
	_ = viper.BindPFlag("historian.redis.addr", historianCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("historian.redis.password", historianCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("historian.redis.db", historianCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("historian.writer_shards", historianCmd.Flags().Lookup("writer-shards"))
	_ = viper.BindPFlag("historian.grpc.port", historianCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("historian.metrics.port", historianCmd.Flags().Lookup("metrics-port"))
}

func runHistorian(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting historian service")

	// Create historian configuration from viper
	config := &ingest.ServerConfig{
		Logger:        logger,
		DBHost:        viper.GetString("historian.db.host"),
		DBPort:        viper.GetInt("historian.db.port"),
		DBUser:        viper.GetString("historian.db.user"),
		DBPassword:    viper.GetString("historian.db.password"),
		DBName:        viper.GetString("historian.db.name"),
		DBSSLMode:     viper.GetString("historian.db.sslmode"),
		RabbitMQURL:   viper.GetString("historian.rabbitmq.url"),
		Queues:        viper.GetStringSlice("historian.rabbitmq.queues"),
		RedisAddr:     viper.GetString("historian.redis.addr"),
		RedisPassword: viper.GetString("historian.redis.password"),
		RedisDB:       viper.GetInt("historian.redis.db"),
		WriterShards:  viper.GetInt("historian.writer_shards"),
		GRPCPort:      viper.GetInt("historian.grpc.port"),
		MetricsPort:   viper.GetInt("historian.metrics.port"),
		Metrics:       metrics.NewIngestMetrics(metrics.Namespace),
		MQMetrics:     metrics.NewMQMetrics(metrics.Namespace),
	}

	// Create and run server
	server, err := ingest.NewServer(config)
	if err != nil {
		logger.Error("failed to create historian server", "error", err)
		return err
	}

	logger.Info("historian server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"redis_addr", config.RedisAddr,
		"queues", config.Queues,
		"writer_shards", config.WriterShards,
		"grpc_port", config.GRPCPort,
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("historian server error", "error", err)
		return err
	}

	logger.Info("historian server stopped")
	return nil
}
