package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "auditlog/pkg/platform/strings"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Server  Server
	Mongo   Mongo
	Elastic Elastic
	Kafka   Kafka
	Ingest  Ingest
	Log     Log
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Mongo struct {
	URI      string
	Database string
}

type Elastic struct {
	Addresses []string
	Username  string
	Password  string
	// ResetIndex drops and recreates the index at startup.
	ResetIndex bool
}

type Kafka struct {
	Brokers           []string
	Topic             string
	GroupID           string
	Partitions        int32
	ReplicationFactor int16
}

// Ingest bounds the pipeline's sink writes.
type Ingest struct {
	StoreTimeout time.Duration
	IndexTimeout time.Duration
}

type Log struct {
	Format string
	Level  string
}

// FromEnv builds a Config from environment variables so main stays lean.
// Every value has a default suitable for local development; malformed
// numbers and durations fall back to their defaults.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            ":" + envString("PORT", "3000"),
			ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Mongo: Mongo{
			URI:      envString("MONGODB_URI", "mongodb://localhost:27017"),
			Database: envString("MONGODB_DATABASE", "audit"),
		},
		Elastic: Elastic{
			Addresses:  envList("ES_NODE", "http://127.0.0.1:9200"),
			Username:   os.Getenv("ES_USERNAME"),
			Password:   os.Getenv("ES_PASSWORD"),
			ResetIndex: envBool("ES_RESET_INDEX", true),
		},
		Kafka: Kafka{
			Brokers:           envList("KAFKA_BROKERS", "localhost:9092"),
			Topic:             envString("KAFKA_TOPIC", "audit-events"),
			GroupID:           envString("KAFKA_GROUP_ID", "audit-service-group"),
			Partitions:        int32(envInt("KAFKA_TOPIC_PARTITIONS", 1)),
			ReplicationFactor: int16(envInt("KAFKA_REPLICATION_FACTOR", 1)),
		},
		Ingest: Ingest{
			StoreTimeout: envDuration("STORE_TIMEOUT", 5*time.Second),
			IndexTimeout: envDuration("INDEX_TIMEOUT", 5*time.Second),
		},
		Log: Log{
			Format: envString("LOG_FORMAT", "json"),
			Level:  envString("LOG_LEVEL", "info"),
		},
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envList(key, def string) []string {
	if out := platformstrings.SplitList(os.Getenv(key), ","); len(out) > 0 {
		return out
	}
	return platformstrings.SplitList(def, ",")
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(envString(key, ""))
	if err != nil || n < 1 || n > 32767 {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(envString(key, ""))
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(envString(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
