package testutils

import (
	"context"
	"net"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ValkeyContainer represents a Valkey container for testing purposes.
type ValkeyContainer struct {
	Container testcontainers.Container
	Address   string
}

// StartValkeyContainer starts a Valkey container for testing purposes.
func StartValkeyContainer(t *testing.T) *ValkeyContainer {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping Valkey container test on non-Linux OS")
	}

	req := testcontainers.ContainerRequest{
		Image:        "valkey/valkey:latest",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Setup: failed to start Valkey container")

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")

	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err, "Setup: failed to get mapped port")

	return &ValkeyContainer{
		Container: container,
		Address:   net.JoinHostPort(host, port.Port()),
	}
}

// Stop stops the Valkey container.
func (vc *ValkeyContainer) Stop(ctx context.Context) error {
	return vc.Container.Terminate(ctx)
}
