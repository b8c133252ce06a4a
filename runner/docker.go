package runner

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	log "github.com/sirupsen/logrus"
)

// DockerRunner manages the proxy daemon's container when the watcher is
// configured to own the backend process. The container itself (image,
// mounts, ports) is provisioned out of band; the runner only starts and
// stops it and waits for the control API to answer.
type DockerRunner struct {
	cli         *client.Client
	name        string
	controlAddr string
	stopTimeout time.Duration
}

type Options struct {
	ContainerName string
	ControlAddr   string // host:port of the control API to wait on
	StopTimeout   time.Duration
}

func NewDockerRunner(opts Options) (*DockerRunner, error) {
	if opts.ContainerName == "" {
		return nil, fmt.Errorf("managed backend needs a container name")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &DockerRunner{
		cli:         cli,
		name:        opts.ContainerName,
		controlAddr: opts.ControlAddr,
		stopTimeout: stopTimeout,
	}, nil
}

// Start brings the daemon container up if it is not already running and
// waits until its control port accepts connections.
func (r *DockerRunner) Start(ctx context.Context) error {
	id, running, err := r.find(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("container %q not found, provision it first", r.name)
	}
	if running {
		log.WithField("container", r.name).Info("backend container already running")
	} else {
		if err := r.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
			return fmt.Errorf("start container %q: %w", r.name, err)
		}
		log.WithField("container", r.name).Info("backend container started")
	}
	return r.waitControl(ctx)
}

// Stop shuts the daemon container down. A missing or already stopped
// container is not an error.
func (r *DockerRunner) Stop(ctx context.Context) error {
	id, running, err := r.find(ctx)
	if err != nil {
		return err
	}
	if id == "" || !running {
		return nil
	}
	timeout := r.stopTimeout
	if err := r.cli.ContainerStop(ctx, id, &timeout); err != nil {
		return fmt.Errorf("stop container %q: %w", r.name, err)
	}
	log.WithField("container", r.name).Info("backend container stopped")
	return nil
}

func (r *DockerRunner) find(ctx context.Context) (id string, running bool, err error) {
	containers, err := r.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return "", false, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		for _, name := range c.Names {
			if strings.TrimPrefix(name, "/") == r.name {
				return c.ID, c.State == "running", nil
			}
		}
	}
	return "", false, nil
}

// waitControl dials the control port until it answers. The daemon loads
// its config and geo database before listening, so the first dials are
// expected to fail.
func (r *DockerRunner) waitControl(ctx context.Context) error {
	if r.controlAddr == "" {
		return nil
	}
	for attempt := 1; attempt <= 30; attempt++ {
		conn, err := net.DialTimeout("tcp", r.controlAddr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		log.WithFields(log.Fields{"addr": r.controlAddr, "attempt": attempt}).
			Debug("control port not answering yet")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("control port %s did not come up", r.controlAddr)
}
