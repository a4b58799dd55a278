// Package infra starts the throwaway dependencies integration tests run against.
package infra

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// Start runs req and returns the container plus the host:port its lowest
// exposed port is mapped to.
func Start(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string, error) {
	if len(req.ExposedPorts) == 0 {
		return nil, "", fmt.Errorf("%s: no exposed port", req.Image)
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start %s: %w", req.Image, err)
	}
	addr, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("resolve %s endpoint: %w", req.Image, err)
	}
	return c, addr, nil
}
