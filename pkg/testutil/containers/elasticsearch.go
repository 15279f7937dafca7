//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/testcontainers/testcontainers-go"
	tces "github.com/testcontainers/testcontainers-go/modules/elasticsearch"

	platformelastic "auditlog/internal/platform/elastic"
)

// ElasticsearchContainer wraps a testcontainers Elasticsearch node.
type ElasticsearchContainer struct {
	Container testcontainers.Container
	Client    *elasticsearch.Client
}

// NewElasticsearchContainer starts a single-node cluster with security on.
func NewElasticsearchContainer(t *testing.T) *ElasticsearchContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tces.Run(ctx, "docker.elastic.co/elasticsearch/elasticsearch:8.15.0")
	if err != nil {
		t.Fatalf("failed to start elasticsearch container: %v", err)
	}

	client, err := platformelastic.New(platformelastic.Config{
		Addresses: []string{container.Settings.Address},
		Username:  "elastic",
		Password:  container.Settings.Password,
		CACert:    container.Settings.CACert,
	})
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to create elasticsearch client: %v", err)
	}

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	return &ElasticsearchContainer{Container: container, Client: client}
}
