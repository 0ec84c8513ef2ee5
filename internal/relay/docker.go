package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Labels stamped on every relay container so ownership is never inferred from
// names.
const (
	LabelGroupID   = "multiscreen.group.id"
	LabelGroupName = "multiscreen.group.name"
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	cli   *client.Client
	image string
	log   *slog.Logger
}

// NewDockerRuntime connects to the engine from the environment and negotiates
// the API version. image is the relay image to run.
func NewDockerRuntime(image string, log *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, image: image, log: log}, nil
}

// Close releases the engine connection.
func (d *DockerRuntime) Close() error { return d.cli.Close() }

// portKey returns the nat key for one container port. The SRT data paths are
// UDP; the control and API surfaces are TCP.
func portKey(port int, udp bool) nat.Port {
	proto := "tcp"
	if udp {
		proto = "udp"
	}
	return nat.Port(fmt.Sprintf("%d/%s", port, proto))
}

func binding(port int) []nat.PortBinding {
	return []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}}
}

// Start creates and starts one relay container with the group label set and
// the requested port bindings, then inspects it to capture the effective
// bindings.
func (d *DockerRuntime) Start(ctx context.Context, req StartRequest) (Container, error) {
	b := req.Bindings

	exposed := nat.PortSet{
		portKey(b.RelayPort, true):     struct{}{},
		portKey(b.ControlPort, false):  struct{}{},
		portKey(b.APIPort, false):      struct{}{},
		portKey(b.RelayDataPort, true): struct{}{},
	}
	bindings := nat.PortMap{
		portKey(b.RelayPort, true):     binding(b.RelayPort),
		portKey(b.ControlPort, false):  binding(b.ControlPort),
		portKey(b.APIPort, false):      binding(b.APIPort),
		portKey(b.RelayDataPort, true): binding(b.RelayDataPort),
	}

	cfg := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			LabelGroupID:   req.GroupID,
			LabelGroupName: req.GroupName,
		},
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	name := fmt.Sprintf("relay-%s", req.GroupID)
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Container{}, fmt.Errorf("create relay container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Do not leave the created container behind.
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Container{}, fmt.Errorf("start relay container: %w", err)
	}

	d.log.Info("relay container started",
		slog.String("group_id", req.GroupID),
		slog.String("handle", resp.ID),
	)
	return d.Inspect(ctx, resp.ID)
}

// Stop stops the container, waiting up to grace before the engine kills it.
// A missing container is treated as already stopped.
func (d *DockerRuntime) Stop(ctx context.Context, handle string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop relay container %s: %w", handle, err)
	}
	return nil
}

// Remove force-removes the container. A missing container is a no-op.
func (d *DockerRuntime) Remove(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove relay container %s: %w", handle, err)
	}
	return nil
}

// Inspect reads the container's running state and effective host port
// bindings, which may differ from the requested ones.
func (d *DockerRuntime) Inspect(ctx context.Context, handle string) (Container, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return Container{}, fmt.Errorf("inspect relay container %s: %w", handle, err)
	}

	c := Container{Handle: info.ID, Running: info.State != nil && info.State.Running}
	if info.NetworkSettings == nil {
		return c, nil
	}

	// The block is allocated strictly ascending (relay < control < api < data),
	// so sorting the container ports recovers each slot; the host side of each
	// binding is the effective port, which the engine may have remapped.
	hostPort := func(key nat.Port) int {
		if bs, ok := info.NetworkSettings.Ports[key]; ok && len(bs) > 0 {
			if p, err := strconv.Atoi(bs[0].HostPort); err == nil {
				return p
			}
		}
		return key.Int()
	}
	if info.Config != nil {
		keys := make([]nat.Port, 0, len(info.Config.ExposedPorts))
		for key := range info.Config.ExposedPorts {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Int() < keys[j].Int() })
		slots := []*int{
			&c.Bindings.RelayPort,
			&c.Bindings.ControlPort,
			&c.Bindings.APIPort,
			&c.Bindings.RelayDataPort,
		}
		for i, key := range keys {
			if i >= len(slots) {
				break
			}
			*slots[i] = hostPort(key)
		}
	}
	return c, nil
}

// FindByGroup locates a group's relay container by its id label.
func (d *DockerRuntime) FindByGroup(ctx context.Context, groupID string) (Container, bool, error) {
	args := filters.NewArgs(filters.Arg("label", LabelGroupID+"="+groupID))
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return Container{}, false, fmt.Errorf("list relay containers: %w", err)
	}
	if len(list) == 0 {
		return Container{}, false, nil
	}
	c, err := d.Inspect(ctx, list[0].ID)
	if err != nil {
		return Container{}, false, err
	}
	return c, true, nil
}
