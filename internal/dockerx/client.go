// Package dockerx wraps the Docker engine API calls used by the backup and
// image auto-update jobs.
package dockerx

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	logx "naspanel/pkg/logx"
)

type Config struct {
	Host string // empty uses DOCKER_HOST or the default socket
	// RestartTimeout is the stop grace given to restarted containers, in seconds.
	RestartTimeout int
}

// Client implements the engine calls the job kinds need.
type Client struct {
	cli *client.Client
	log logx.Logger
	cfg Config
}

// New builds a client. No connection is made until the first call.
func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if h := strings.TrimSpace(cfg.Host); h != "" {
		opts = append(opts, client.WithHost(h))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 30
	}
	return &Client{cli: cli, log: log.With(logx.String("comp", "docker")), cfg: cfg}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// VolumeNames lists every named volume, sorted.
func (c *Client) VolumeNames(ctx context.Context) ([]string, error) {
	resp, err := c.cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v != nil && v.Name != "" {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ContainerSnapshot is the recreatable part of a container's configuration.
type ContainerSnapshot struct {
	ID     string              `json:"Id"`
	Name   string              `json:"Name"`
	Image  string              `json:"Image"`
	Env    []string            `json:"Env"`
	Cmd    []string            `json:"Cmd"`
	Labels map[string]string   `json:"Labels"`
	Binds  []string            `json:"Binds"`
	Ports  map[string][]string `json:"PortBindings"`
}

// ContainerSnapshots inspects every container, running or not.
func (c *Client) ContainerSnapshots(ctx context.Context) ([]ContainerSnapshot, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]ContainerSnapshot, 0, len(list))
	for _, item := range list {
		resp, err := c.cli.ContainerInspect(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", item.ID, err)
		}
		snap := ContainerSnapshot{ID: resp.ID, Image: item.Image, Ports: map[string][]string{}}
		if resp.ContainerJSONBase != nil {
			snap.Name = strings.TrimPrefix(resp.Name, "/")
			if hc := resp.HostConfig; hc != nil {
				snap.Binds = hc.Binds
				for port, bindings := range hc.PortBindings {
					for _, b := range bindings {
						snap.Ports[string(port)] = append(snap.Ports[string(port)], strings.TrimPrefix(b.HostIP+":"+b.HostPort, ":"))
					}
				}
			}
		}
		if cfg := resp.Config; cfg != nil {
			snap.Image = cfg.Image
			snap.Env = cfg.Env
			snap.Cmd = cfg.Cmd
			snap.Labels = cfg.Labels
		}
		out = append(out, snap)
	}
	return out, nil
}

// ImageID returns the local image id of ref.
func (c *Client) ImageID(ctx context.Context, ref string) (string, error) {
	resp, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return resp.ID, nil
}

// Pull pulls ref and waits for the pull to finish.
func (c *Client) Pull(ctx context.Context, ref string) error {
	c.log.Info("pulling image", logx.String("image", ref))
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is read to the end.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull response for %s: %w", ref, err)
	}
	return nil
}

// ContainersByImage lists running containers started from ref.
func (c *Client) ContainersByImage(ctx context.Context, ref string) ([]string, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("ancestor", ref)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for %s: %w", ref, err)
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func (c *Client) Restart(ctx context.Context, id string) error {
	timeout := c.cfg.RestartTimeout
	if err := c.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", id, err)
	}
	c.log.Info("container restarted", logx.String("container", id))
	return nil
}
