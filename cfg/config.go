package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration describes the MySQL server to replicate from
type SourceConfiguration struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	ServerID           uint32 `toml:"server_id"` // Replica server id (0 = derived from machine id)
	Flavor             string `toml:"flavor"`    // "mysql" or "mariadb"
	GTIDMode           bool   `toml:"gtid_mode"` // Resume by GTID set instead of file/offset
	HeartbeatPeriodMS  int    `toml:"heartbeat_period_ms"`
	ReadTimeoutMS      int    `toml:"read_timeout_ms"`
	SchemaCacheSize    int    `toml:"schema_cache_size"`    // Tables kept in the column metadata cache
	MaxTransactionRows int    `toml:"max_transaction_rows"` // Rows buffered per transaction before an early flush
	InitPosition       string `toml:"init_position"`        // "current" or an explicit position (file:offset[@gtid])

	Reconnect ReconnectConfiguration `toml:"reconnect"`
}

// ReconnectConfiguration bounds reconnect attempts after a stream failure
type ReconnectConfiguration struct {
	MaxAttempts      int     `toml:"max_attempts"` // 0 = unlimited
	InitialBackoffMS int     `toml:"initial_backoff_ms"`
	MaxBackoffMS     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
	ResumeFrom       string  `toml:"resume_from"` // "committed" or "handed"
}

// BatchingConfiguration controls client side batching of outgoing messages
type BatchingConfiguration struct {
	CountThreshold   int `toml:"count_threshold"`
	BytesThreshold   int `toml:"bytes_threshold"`
	DelayThresholdMS int `toml:"delay_threshold_ms"`
}

// RetryConfiguration controls sink retries of transient failures
type RetryConfiguration struct {
	InitialRetryDelayMS  int     `toml:"initial_retry_delay_ms"`
	RetryDelayMultiplier float64 `toml:"retry_delay_multiplier"`
	MaxRetryDelayMS      int     `toml:"max_retry_delay_ms"`
	InitialRPCTimeoutMS  int     `toml:"initial_rpc_timeout_ms"`
	RPCTimeoutMultiplier float64 `toml:"rpc_timeout_multiplier"`
	MaxRPCTimeoutMS      int     `toml:"max_rpc_timeout_ms"`
	TotalTimeoutMS       int     `toml:"total_timeout_ms"`
	MaxAttempts          int     `toml:"max_attempts"`
}

// CompressionConfiguration enables payload compression above a size threshold
type CompressionConfiguration struct {
	Enabled        bool `toml:"enabled"`
	BytesThreshold int  `toml:"bytes_threshold"`
}

// KafkaConfiguration for the kafka sink
type KafkaConfiguration struct {
	Brokers          []string `toml:"brokers"`
	RequiredAcks     int      `toml:"required_acks"` // -1 all, 0 none, 1 leader
	AutoCreateTopics bool     `toml:"auto_create_topics"`
}

// NATSConfiguration for the nats JetStream sink
type NATSConfiguration struct {
	URL              string `toml:"url"`
	Stream           string `toml:"stream"`
	DuplicateWindowS int    `toml:"duplicate_window_seconds"`
	MaxPending       int    `toml:"max_pending"`
}

// PubSubConfiguration for the Google Cloud Pub/Sub sink
type PubSubConfiguration struct {
	ProjectID string `toml:"project_id"`
}

// OutputConfiguration selects optional fields of the JSON payload
type OutputConfiguration struct {
	IncludePosition bool `toml:"include_position"`
	IncludeGTID     bool `toml:"include_gtid"`
	IncludeServerID bool `toml:"include_server_id"`
	IncludeCommit   bool `toml:"include_commit_info"`
	IncludeNulls    bool `toml:"include_nulls"`
}

// ProducerConfiguration describes the publishing side of the pipeline
type ProducerConfiguration struct {
	Type                string   `toml:"type"`   // kafka, nats, pubsub, stdout
	Format              string   `toml:"format"` // json, debezium
	Topic               string   `toml:"topic"`  // supports %{database} and %{table}
	DDLTopic            string   `toml:"ddl_topic"`
	OutputDDL           bool     `toml:"output_ddl"`
	PartitionBy         string   `toml:"partition_by"` // database, table, primary_key, transaction
	Endpoint            string   `toml:"endpoint"`     // Custom service endpoint override
	QueueCapacity       int      `toml:"queue_capacity"`
	MaxInFlight         int      `toml:"max_inflight"`
	AckTimeoutMS        int      `toml:"ack_timeout_ms"`
	IgnoreProducerError bool     `toml:"ignore_producer_error"`
	FilterDatabases     []string `toml:"filter_databases"`
	FilterTables        []string `toml:"filter_tables"`
	ExcludeTables       []string `toml:"exclude_tables"`

	Output      OutputConfiguration      `toml:"output"`
	Batching    BatchingConfiguration    `toml:"batching"`
	Retry       RetryConfiguration       `toml:"retry"`
	Compression CompressionConfiguration `toml:"compression"`
	Kafka       KafkaConfiguration       `toml:"kafka"`
	NATS        NATSConfiguration        `toml:"nats"`
	PubSub      PubSubConfiguration      `toml:"pubsub"`
}

// StoreConfiguration controls where the committed position is persisted
type StoreConfiguration struct {
	Type            string `toml:"type"` // pebble, sqlite, mysql
	Path            string `toml:"path"` // Directory (pebble) or file (sqlite); defaults under data_dir
	DSN             string `toml:"dsn"`  // MySQL DSN for the mysql store
	FlushIntervalMS int    `toml:"flush_interval_ms"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics and the admin endpoints
type PrometheusConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // Bearer token required by /status (empty = open)
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID          string `toml:"client_id"`
	DataDir           string `toml:"data_dir"`
	ShutdownTimeoutMS int    `toml:"shutdown_timeout_ms"`

	Source     SourceConfiguration     `toml:"source"`
	Producer   ProducerConfiguration   `toml:"producer"`
	Store      StoreConfiguration      `toml:"store"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ClientIDFlag   = flag.String("client-id", "", "Client id used to key the stored position (overrides config)")
	ServerIDFlag   = flag.Uint("server-id", 0, "Replica server id (overrides config, 0=auto)")
	ProducerFlag   = flag.String("producer", "", "Producer type (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		ClientID:          "binflow",
		DataDir:           "./binflow-data",
		ShutdownTimeoutMS: 30000,

		Source: SourceConfiguration{
			Host:               "127.0.0.1",
			Port:               3306,
			User:               "binflow",
			Flavor:             "mysql",
			GTIDMode:           false,
			HeartbeatPeriodMS:  10000,
			ReadTimeoutMS:      90000,
			SchemaCacheSize:    1024,
			MaxTransactionRows: 10000,
			InitPosition:       "current",
			Reconnect: ReconnectConfiguration{
				MaxAttempts:      10,
				InitialBackoffMS: 500,
				MaxBackoffMS:     30000,
				Multiplier:       2.0,
				ResumeFrom:       "committed",
			},
		},

		Producer: ProducerConfiguration{
			Type:          "stdout",
			Format:        "json",
			Topic:         "binflow",
			PartitionBy:   "database",
			QueueCapacity: 100,
			MaxInFlight:   10000,
			Output: OutputConfiguration{
				IncludeCommit: true,
			},
			Batching: BatchingConfiguration{
				CountThreshold:   1,
				BytesThreshold:   1,
				DelayThresholdMS: 1,
			},
			Retry: RetryConfiguration{
				InitialRetryDelayMS:  100,
				RetryDelayMultiplier: 1.3,
				MaxRetryDelayMS:      60000,
				InitialRPCTimeoutMS:  5000,
				RPCTimeoutMultiplier: 1.0,
				MaxRPCTimeoutMS:      600000,
				TotalTimeoutMS:       600000,
			},
			Compression: CompressionConfiguration{
				Enabled:        false,
				BytesThreshold: 1000,
			},
			Kafka: KafkaConfiguration{
				Brokers:      []string{"localhost:9092"},
				RequiredAcks: -1,
			},
			NATS: NATSConfiguration{
				URL:              "nats://localhost:4222",
				Stream:           "BINFLOW",
				DuplicateWindowS: 120,
				MaxPending:       4000,
			},
		},

		Store: StoreConfiguration{
			Type:            "pebble",
			FlushIntervalMS: 1000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag != "" {
		Config.ClientID = *ClientIDFlag
	}
	if *ServerIDFlag != 0 {
		Config.Source.ServerID = uint32(*ServerIDFlag)
	}
	if *ProducerFlag != "" {
		Config.Producer.Type = *ProducerFlag
	}

	// Auto-generate replica server id if not set
	if Config.Source.ServerID == 0 {
		var err error
		Config.Source.ServerID, err = generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server ID: %w", err)
		}
		log.Info().Uint32("server_id", Config.Source.ServerID).Msg("Auto-generated replica server ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateServerID derives a stable replica server id from the machine id.
// Values stay above 1<<16 to avoid colliding with hand-assigned ids.
func generateServerID() (uint32, error) {
	id, err := machineid.ProtectedID("binflow")
	if err != nil {
		return 0, err
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() | 1<<16, nil
}

var (
	validProducers   = map[string]bool{"kafka": true, "nats": true, "pubsub": true, "stdout": true}
	validFormats     = map[string]bool{"json": true, "debezium": true}
	validPartitions  = map[string]bool{"database": true, "table": true, "primary_key": true, "transaction": true}
	validStores      = map[string]bool{"pebble": true, "sqlite": true, "mysql": true}
	validResumeModes = map[string]bool{"committed": true, "handed": true}
)

// Validate checks configuration for errors
func Validate() error {
	if strings.TrimSpace(Config.ClientID) == "" {
		return fmt.Errorf("client_id is required")
	}

	if Config.Source.Port < 1 || Config.Source.Port > 65535 {
		return fmt.Errorf("invalid source port: %d", Config.Source.Port)
	}
	if Config.Source.Flavor != "mysql" && Config.Source.Flavor != "mariadb" {
		return fmt.Errorf("invalid source flavor: %s", Config.Source.Flavor)
	}
	if Config.Source.MaxTransactionRows < 1 {
		return fmt.Errorf("max_transaction_rows must be >= 1")
	}

	rc := Config.Source.Reconnect
	if rc.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max_attempts must be >= 0")
	}
	if rc.InitialBackoffMS < 1 || rc.MaxBackoffMS < rc.InitialBackoffMS {
		return fmt.Errorf("reconnect backoff must satisfy 1 <= initial_backoff_ms <= max_backoff_ms")
	}
	if rc.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1")
	}
	if !validResumeModes[rc.ResumeFrom] {
		return fmt.Errorf("invalid reconnect resume_from: %s", rc.ResumeFrom)
	}

	p := Config.Producer
	if !validProducers[p.Type] {
		return fmt.Errorf("invalid producer type: %s", p.Type)
	}
	if !validFormats[p.Format] {
		return fmt.Errorf("invalid producer format: %s", p.Format)
	}
	if !validPartitions[p.PartitionBy] {
		return fmt.Errorf("invalid partition_by: %s", p.PartitionBy)
	}
	if p.QueueCapacity < 1 {
		return fmt.Errorf("producer queue_capacity must be >= 1")
	}
	if p.MaxInFlight < 0 {
		return fmt.Errorf("producer max_inflight must be >= 0")
	}
	if p.AckTimeoutMS < 0 {
		return fmt.Errorf("producer ack_timeout_ms must be >= 0")
	}
	if p.Retry.TotalTimeoutMS < 0 || p.Retry.InitialRetryDelayMS < 0 || p.Retry.InitialRPCTimeoutMS < 0 {
		return fmt.Errorf("producer retry durations must be >= 0")
	}

	switch p.Type {
	case "kafka":
		if len(p.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka producer requires at least one broker")
		}
	case "nats":
		if p.NATS.URL == "" {
			return fmt.Errorf("nats producer requires a url")
		}
	case "pubsub":
		if p.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub producer requires project_id")
		}
	}

	if !validStores[Config.Store.Type] {
		return fmt.Errorf("invalid store type: %s", Config.Store.Type)
	}
	if Config.Store.Type == "mysql" && Config.Store.DSN == "" {
		return fmt.Errorf("mysql store requires a dsn")
	}
	if Config.Store.FlushIntervalMS < 0 {
		return fmt.Errorf("store flush_interval_ms must be >= 0")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
