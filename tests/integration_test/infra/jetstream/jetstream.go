package jetstream

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ssuji15/xsonic/tests/integration_test/infra"
)

// SetupContainer starts a JetStream-enabled nats server and returns its JETSTREAM_URL.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	c, addr, err := infra.Start(ctx, testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	})
	if err != nil {
		panic(fmt.Errorf("nats container: %w", err))
	}
	return c, "nats://" + addr
}
