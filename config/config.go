// Package config loads the service configuration with viper from an
// optional file, HIERACHAIN_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
	"github.com/VanDung-dev/HieraChain-Scheduler/logging"
	"github.com/VanDung-dev/HieraChain-Scheduler/network"
)

// EnvPrefix prefixes every environment override, e.g.
// HIERACHAIN_SCHEDULER_WORKERS.
const EnvPrefix = "HIERACHAIN"

// Server holds listener settings.
type Server struct {
	HTTPAddr         string
	GRPCAddr         string
	IngestAddr       string
	// IngestMaxFrame bounds one Arrow ingest frame in bytes.
	IngestMaxFrame   int
	StreamInterval   time.Duration
	MetricsNamespace string
}

// Config is the typed configuration of the service.
type Config struct {
	Server    Server
	Scheduler engine.Config
	Batch     engine.BatchConfig
	// NetworkEnabled turns on remote execution through Network.
	NetworkEnabled bool
	Network        network.NetworkConfig
	Logger         logging.Config
	Viper          *viper.Viper
}

// Load reads configuration. When path is empty, a file named config.* is
// searched in ".", "/etc/hierachain" and "$HOME/.hierachain"; a missing
// file is not an error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hierachain")
		v.AddConfigPath("$HOME/.hierachain")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	batch, err := getBatchConfig(v)
	if err != nil {
		return nil, err
	}
	netCfg, err := getNetworkConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:         getServerConfig(v),
		Scheduler:      getSchedulerConfig(v),
		Batch:          batch,
		NetworkEnabled: v.GetBool("network.enabled"),
		Network:        netCfg,
		Logger:         getLoggerConfig(v),
		Viper:          v,
	}, nil
}

func setDefaults(v *viper.Viper) {
	sched := engine.DefaultConfig()
	batch := engine.DefaultBatchConfig()
	netCfg := network.DefaultNetworkConfig()
	log := logging.DefaultConfig()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.ingest_addr", ":9000")
	v.SetDefault("server.ingest_max_frame", 50<<20)
	v.SetDefault("server.stream_interval", time.Second)
	v.SetDefault("server.metrics_namespace", "hierachain")

	v.SetDefault("scheduler.workers", sched.Workers)
	v.SetDefault("scheduler.base_unit", sched.BaseUnit)
	v.SetDefault("scheduler.pace", sched.Pace)
	v.SetDefault("scheduler.max_queue_depth", 0)
	v.SetDefault("scheduler.job_timeout", time.Duration(0))
	v.SetDefault("scheduler.retain_finished", 0)

	v.SetDefault("batch.max_size", batch.MaxBatchSize)
	v.SetDefault("batch.overflow", string(batch.Overflow))
	v.SetDefault("batch.mempool_size", batch.MempoolSize)
	v.SetDefault("batch.flush_interval", batch.FlushInterval)

	v.SetDefault("network.enabled", false)
	v.SetDefault("network.node_id", netCfg.NodeID)
	v.SetDefault("network.host", netCfg.Host)
	v.SetDefault("network.port", netCfg.Port)
	v.SetDefault("network.nodes", []map[string]interface{}{})
	v.SetDefault("network.strategy", string(netCfg.Strategy))
	v.SetDefault("network.stale_timeout", netCfg.StaleTimeout)
	v.SetDefault("network.health_interval", netCfg.HealthInterval)
	v.SetDefault("network.request_timeout", netCfg.RequestTimeout)
	v.SetDefault("network.max_retries", netCfg.MaxRetries)

	v.SetDefault("logger.level", log.Level)
	v.SetDefault("logger.format", log.Format)
	v.SetDefault("logger.output", log.Output)
	v.SetDefault("logger.output_file", "")
}

func getServerConfig(v *viper.Viper) Server {
	return Server{
		HTTPAddr:         v.GetString("server.http_addr"),
		GRPCAddr:         v.GetString("server.grpc_addr"),
		IngestAddr:       v.GetString("server.ingest_addr"),
		IngestMaxFrame:   v.GetInt("server.ingest_max_frame"),
		StreamInterval:   v.GetDuration("server.stream_interval"),
		MetricsNamespace: v.GetString("server.metrics_namespace"),
	}
}

func getSchedulerConfig(v *viper.Viper) engine.Config {
	return engine.Config{
		Workers:        v.GetInt("scheduler.workers"),
		BaseUnit:       v.GetDuration("scheduler.base_unit"),
		Pace:           v.GetFloat64("scheduler.pace"),
		MaxQueueDepth:  v.GetInt("scheduler.max_queue_depth"),
		JobTimeout:     v.GetDuration("scheduler.job_timeout"),
		RetainFinished: v.GetInt("scheduler.retain_finished"),
	}
}

func getBatchConfig(v *viper.Viper) (engine.BatchConfig, error) {
	overflow, err := engine.ParseOverflowPolicy(v.GetString("batch.overflow"))
	if err != nil {
		return engine.BatchConfig{}, fmt.Errorf("batch.overflow: %w", err)
	}
	return engine.BatchConfig{
		MaxBatchSize:  v.GetInt("batch.max_size"),
		Overflow:      overflow,
		MempoolSize:   v.GetInt("batch.mempool_size"),
		FlushInterval: v.GetDuration("batch.flush_interval"),
	}, nil
}

func getNetworkConfig(v *viper.Viper) (network.NetworkConfig, error) {
	strategy, err := network.ParseStrategy(v.GetString("network.strategy"))
	if err != nil {
		return network.NetworkConfig{}, fmt.Errorf("network.strategy: %w", err)
	}

	var nodes []network.NodeSpec
	if err := v.UnmarshalKey("network.nodes", &nodes); err != nil {
		return network.NetworkConfig{}, fmt.Errorf("network.nodes: %w", err)
	}

	return network.NetworkConfig{
		NodeID:         v.GetString("network.node_id"),
		Host:           v.GetString("network.host"),
		Port:           v.GetInt("network.port"),
		Nodes:          nodes,
		Strategy:       strategy,
		StaleTimeout:   v.GetDuration("network.stale_timeout"),
		HealthInterval: v.GetDuration("network.health_interval"),
		RequestTimeout: v.GetDuration("network.request_timeout"),
		MaxRetries:     v.GetUint64("network.max_retries"),
	}, nil
}

func getLoggerConfig(v *viper.Viper) logging.Config {
	return logging.Config{
		Level:      v.GetString("logger.level"),
		Format:     v.GetString("logger.format"),
		Output:     v.GetString("logger.output"),
		OutputFile: v.GetString("logger.output_file"),
	}
}
