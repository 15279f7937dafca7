package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
)

// Config describes how to reach the search cluster.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	CACert    []byte
	// Transport overrides the HTTP transport; tests use it to stub the cluster.
	Transport http.RoundTripper
}

// New builds a client. It does not contact the cluster; the index adapter
// waits for cluster health during InitIndex.
func New(cfg Config) (*elasticsearch.Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("at least one elasticsearch address is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		CACert:    cfg.CACert,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

// Health asks the cluster for its health and fails on red or transport errors.
func Health(ctx context.Context, client *elasticsearch.Client) error {
	res, err := client.Cluster.Health(client.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch health: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch health: %s", res.Status())
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode elasticsearch health: %w", err)
	}
	if body.Status == "red" {
		return fmt.Errorf("elasticsearch cluster status red")
	}
	return nil
}
