// Package sandbox verifies the agent container's isolation before traffic is
// allowed through. The agent must sit on internal-only Docker networks with
// no ports published to the host; anything else gives prompt-injected code a
// network path around the relay's egress policy.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
)

// DefaultContainer is the agent container name inspected when none is given.
const DefaultContainer = "airlock-agent"

// Violation rules.
const (
	RuleNetworkMode     = "network-mode"
	RuleExternalNetwork = "external-network"
	RulePublishedPort   = "published-port"
)

// Violation is one way the agent container breaks isolation.
type Violation struct {
	Rule   string
	Detail string
}

func (v Violation) String() string { return v.Rule + ": " + v.Detail }

// Report is the outcome of one preflight inspection.
type Report struct {
	Container  string
	Running    bool
	Networks   []string
	Violations []Violation
}

// Sealed reports whether the container passed every isolation check.
func (r Report) Sealed() bool { return len(r.Violations) == 0 }

// Checker inspects agent containers through the Docker Engine API.
type Checker struct {
	client *dockerclient.Client
}

// New connects to the Docker daemon named by the environment (DOCKER_HOST or
// the default socket).
func New() (*Checker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Checker{client: cli}, nil
}

// Preflight inspects the named container and checks its isolation. The
// returned error covers infrastructure problems only (daemon unreachable,
// container missing); policy findings land in the report's violations.
func (c *Checker) Preflight(ctx context.Context, containerName string) (Report, error) {
	if containerName == "" {
		containerName = DefaultContainer
	}
	inspect, err := c.client.ContainerInspect(ctx, containerName)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Report{}, fmt.Errorf("container %q not found", containerName)
		}
		return Report{}, fmt.Errorf("inspect container %q: %w", containerName, err)
	}

	internal := make(map[string]bool)
	for _, name := range attachedNetworks(inspect) {
		info, err := c.client.NetworkInspect(ctx, name, network.InspectOptions{})
		if err != nil {
			return Report{}, fmt.Errorf("inspect network %q: %w", name, err)
		}
		internal[name] = info.Internal
	}
	return assess(inspect, internal), nil
}

// assess applies the isolation rules to an inspect result. internal maps each
// attached network name to its Internal flag.
func assess(inspect types.ContainerJSON, internal map[string]bool) Report {
	r := Report{Networks: attachedNetworks(inspect)}
	if inspect.ContainerJSONBase != nil {
		r.Container = strings.TrimPrefix(inspect.Name, "/")
		if inspect.State != nil {
			r.Running = inspect.State.Running
		}
	}

	if inspect.ContainerJSONBase != nil && inspect.HostConfig != nil {
		mode := inspect.HostConfig.NetworkMode
		switch {
		case mode.IsHost():
			r.Violations = append(r.Violations, Violation{
				Rule:   RuleNetworkMode,
				Detail: "container shares the host network namespace",
			})
		case mode.IsContainer():
			r.Violations = append(r.Violations, Violation{
				Rule:   RuleNetworkMode,
				Detail: fmt.Sprintf("container shares the network namespace of %q", mode.ConnectedContainer()),
			})
		}
	}

	for _, name := range r.Networks {
		if !internal[name] {
			r.Violations = append(r.Violations, Violation{
				Rule:   RuleExternalNetwork,
				Detail: fmt.Sprintf("network %q is not internal-only", name),
			})
		}
	}

	for _, p := range publishedPorts(inspect) {
		r.Violations = append(r.Violations, Violation{
			Rule:   RulePublishedPort,
			Detail: p,
		})
	}
	return r
}

// attachedNetworks returns the container's network names in stable order.
func attachedNetworks(inspect types.ContainerJSON) []string {
	if inspect.NetworkSettings == nil {
		return nil
	}
	names := make([]string, 0, len(inspect.NetworkSettings.Networks))
	for name := range inspect.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// publishedPorts lists host bindings from both the runtime port map and the
// declared HostConfig bindings, so a stopped container with published ports
// configured still fails preflight. Exposed ports without a host binding are
// fine; that is how the relay reaches the agent inside the internal network.
func publishedPorts(inspect types.ContainerJSON) []string {
	seen := make(map[string]bool)
	add := func(port string, hostIP, hostPort string) {
		addr := hostIP
		if addr == "" {
			addr = "0.0.0.0"
		}
		key := fmt.Sprintf("%s published on %s:%s", port, addr, hostPort)
		seen[key] = true
	}

	if inspect.NetworkSettings != nil {
		for port, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				add(string(port), b.HostIP, b.HostPort)
			}
		}
	}
	if inspect.ContainerJSONBase != nil && inspect.HostConfig != nil {
		for port, bindings := range inspect.HostConfig.PortBindings {
			for _, b := range bindings {
				add(string(port), b.HostIP, b.HostPort)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
