package torrent

import (
	"context"

	"github.com/italolelis/seedbox_mirror/internal/telemetry"
)

// InstrumentedClient wraps a Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

var _ Client = (*InstrumentedClient)(nil)

// NewInstrumentedClient creates a new instrumented torrent client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// List lists downloads with telemetry.
func (c *InstrumentedClient) List(ctx context.Context) ([]*Download, error) {
	var result []*Download

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "list", func(ctx context.Context) error {
		var err error

		result, err = c.client.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Remove removes a download with telemetry.
func (c *InstrumentedClient) Remove(ctx context.Context, id string, deleteData bool) error {
	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "remove", func(ctx context.Context) error {
		return c.client.Remove(ctx, id, deleteData)
	})
}
