package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ssuji15/xsonic/tests/integration_test/infra"
)

// SetupContainer starts a non-persisting redis and returns its REDIS_ENDPOINT.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	c, addr, err := infra.Start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		Cmd:          []string{"redis-server", "--save", "", "--appendonly", "no"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})
	if err != nil {
		panic(fmt.Errorf("redis container: %w", err))
	}
	return c, addr
}
