// Package relay is the boundary to the container-hosted SRT relay. The core
// talks to it only through the Runtime interface; the Docker implementation
// and a no-op degraded implementation both live here.
package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// PortBindings is the four-port block a group's relay listens on.
type PortBindings struct {
	RelayPort     int `json:"relay_port"`
	ControlPort   int `json:"control_port"`
	APIPort       int `json:"api_port"`
	RelayDataPort int `json:"relay_data_port"`
}

// Container is the runtime's view of one relay container. Bindings are the
// effective host bindings, which may differ from the requested ones.
type Container struct {
	Handle   string
	Running  bool
	Bindings PortBindings
}

// StartRequest asks the runtime to run one relay container for a group.
type StartRequest struct {
	GroupID   string
	GroupName string
	Bindings  PortBindings
}

// Runtime abstracts the container engine. Implementations must label
// containers so FindByGroup can locate them without guessing.
type Runtime interface {
	Start(ctx context.Context, req StartRequest) (Container, error)
	Stop(ctx context.Context, handle string, grace time.Duration) error
	Remove(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (Container, error)
	FindByGroup(ctx context.Context, groupID string) (Container, bool, error)
}

// probe timings for Reachable.
const (
	probeAttempts = 3
	probeDelay    = 500 * time.Millisecond
	probeDial     = 2 * time.Second
)

// Reachable dials the relay's TCP control surface a small fixed number of
// times with short backoff. A refused or timed-out connection after all
// attempts is returned as the final dial error.
func Reachable(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	return retry.Do(
		func() error {
			conn, err := (&net.Dialer{Timeout: probeDial}).DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		retry.Attempts(probeAttempts),
		retry.Delay(probeDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
