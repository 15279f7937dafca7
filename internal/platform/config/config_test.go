package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "MONGODB_URI", "MONGODB_DATABASE", "ES_NODE", "ES_USERNAME", "ES_PASSWORD",
		"ES_RESET_INDEX", "KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
		"KAFKA_TOPIC_PARTITIONS", "KAFKA_REPLICATION_FACTOR", "STORE_TIMEOUT",
		"INDEX_TIMEOUT", "SHUTDOWN_TIMEOUT", "LOG_FORMAT", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()

	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "audit", cfg.Mongo.Database)
	assert.Equal(t, []string{"http://127.0.0.1:9200"}, cfg.Elastic.Addresses)
	assert.Empty(t, cfg.Elastic.Username)
	assert.True(t, cfg.Elastic.ResetIndex)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "audit-events", cfg.Kafka.Topic)
	assert.Equal(t, "audit-service-group", cfg.Kafka.GroupID)
	assert.Equal(t, int32(1), cfg.Kafka.Partitions)
	assert.Equal(t, int16(1), cfg.Kafka.ReplicationFactor)
	assert.Equal(t, 5*time.Second, cfg.Ingest.StoreTimeout)
	assert.Equal(t, 5*time.Second, cfg.Ingest.IndexTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("ES_NODE", "http://es1:9200, http://es2:9200,")
	t.Setenv("ES_RESET_INDEX", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_TOPIC_PARTITIONS", "6")
	t.Setenv("KAFKA_REPLICATION_FACTOR", "3")
	t.Setenv("STORE_TIMEOUT", "250ms")
	t.Setenv("LOG_FORMAT", "text")

	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.Elastic.Addresses)
	assert.False(t, cfg.Elastic.ResetIndex)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int32(6), cfg.Kafka.Partitions)
	assert.Equal(t, int16(3), cfg.Kafka.ReplicationFactor)
	assert.Equal(t, 250*time.Millisecond, cfg.Ingest.StoreTimeout)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestFromEnv_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("KAFKA_TOPIC_PARTITIONS", "many")
	t.Setenv("KAFKA_REPLICATION_FACTOR", "0")
	t.Setenv("STORE_TIMEOUT", "5")
	t.Setenv("INDEX_TIMEOUT", "-1s")
	t.Setenv("ES_RESET_INDEX", "maybe")

	cfg := FromEnv()

	assert.Equal(t, int32(1), cfg.Kafka.Partitions)
	assert.Equal(t, int16(1), cfg.Kafka.ReplicationFactor)
	assert.Equal(t, 5*time.Second, cfg.Ingest.StoreTimeout)
	assert.Equal(t, 5*time.Second, cfg.Ingest.IndexTimeout)
	assert.True(t, cfg.Elastic.ResetIndex)
}

func TestFromEnv_EmptyListFallsBack(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " , ,")

	cfg := FromEnv()

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}
