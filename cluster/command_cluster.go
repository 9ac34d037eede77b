package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/target"
	"github.com/Octogonapus/ClusterBenchmark/util"
	"github.com/hashicorp/go-version"
)

// Settings shared by every cluster kind whose nodes are driven with shell commands.
type CommandClusterInput struct {
	Name string
	// Defaults differ per kind, so a nil value means "not set".
	UseExisting       *bool    `mapstructure:"use_existing"`
	SetupCommands     []string `mapstructure:"setup_commands"`
	TeardownCommands  []string `mapstructure:"teardown_commands"`
	HealthCommand     string   `mapstructure:"health_command"`
	VersionCommand    string   `mapstructure:"version_command"`
	VersionConstraint string   `mapstructure:"version_constraint"`
}

type commandCluster struct {
	input *CommandClusterInput
	nodes []target.Target
}

func (c *commandCluster) Head() target.Target {
	if len(c.nodes) == 0 {
		return nil
	}
	return c.nodes[0]
}

func (c *commandCluster) Nodes() []target.Target {
	return c.nodes
}

func (c *commandCluster) GetName() string {
	return c.input.Name
}

func (c *commandCluster) useExisting(def bool) bool {
	if c.input.UseExisting == nil {
		return def
	}
	return *c.input.UseExisting
}

// Validates the version, runs the setup commands on every node, then checks health on the head node.
func (c *commandCluster) initializeNodes() error {
	if len(c.nodes) == 0 {
		return fmt.Errorf("cluster %s has no nodes", c.input.Name)
	}

	if c.input.VersionConstraint != "" {
		cmd := c.input.VersionCommand
		if cmd == "" {
			cmd = "ceph --version"
		}
		out, err := c.Head().RunCommand(cmd)
		if err != nil {
			slog.Error("version command failed", slog.String("cluster", c.input.Name), slog.String("command output", string(out)), slog.String("error", err.Error()))
			return fmt.Errorf("running version command failed: %w", err)
		}
		v, err := CheckVersion(out, c.input.VersionConstraint)
		if err != nil {
			return err
		}
		slog.Info("cluster version accepted", slog.String("cluster", c.input.Name), slog.String("version", v.String()), slog.String("constraint", c.input.VersionConstraint))
	}

	for _, node := range c.nodes {
		for _, cmd := range c.input.SetupCommands {
			slog.Debug("running setup command", slog.String("node", node.GetAddress()), slog.String("command", cmd))
			out, err := node.RunCommand(cmd)
			if err != nil {
				slog.Error("setup command failed", slog.String("node", node.GetAddress()), slog.String("command", cmd), slog.String("command output", string(out)), slog.String("error", err.Error()))
				return fmt.Errorf("setup command %q failed on %s: %w", cmd, node.GetAddress(), err)
			}
		}
	}

	if c.input.HealthCommand != "" {
		out, err := c.Head().RunCommand(c.input.HealthCommand)
		if err != nil {
			slog.Error("cluster is not healthy", slog.String("cluster", c.input.Name), slog.String("command output", string(out)), slog.String("error", err.Error()))
			return fmt.Errorf("health check failed: %w", err)
		}
		slog.Debug("cluster is healthy", slog.String("cluster", c.input.Name), slog.String("output", util.LastNonEmptyLine(out)))
	}
	return nil
}

// Runs every teardown command on every node, even if some fail.
func (c *commandCluster) cleanupNodes() error {
	var errs []error
	for _, node := range c.nodes {
		for _, cmd := range c.input.TeardownCommands {
			out, err := node.RunCommand(cmd)
			if err != nil {
				slog.Error("teardown command failed", slog.String("node", node.GetAddress()), slog.String("command", cmd), slog.String("command output", string(out)), slog.String("error", err.Error()))
				errs = append(errs, fmt.Errorf("teardown command %q failed on %s: %w", cmd, node.GetAddress(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Finds the first version number in the last line of the version command's output and checks it against the
// constraint (e.g. ">= 17.2, < 19").
func CheckVersion(out []byte, constraint string) (*version.Version, error) {
	constraints, err := version.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	line := util.LastNonEmptyLine(out)
	for _, field := range strings.Fields(line) {
		v, err := version.NewVersion(strings.Trim(field, "(),v"))
		if err != nil {
			continue
		}
		if !constraints.Check(v) {
			return v, fmt.Errorf("cluster version %s does not satisfy %q", v, constraint)
		}
		return v, nil
	}
	return nil, fmt.Errorf("no version found in %q", line)
}
