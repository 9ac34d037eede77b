package cluster

import (
	"fmt"

	"github.com/Octogonapus/ClusterBenchmark/settings"
	"github.com/Octogonapus/ClusterBenchmark/target"
	"golang.org/x/crypto/ssh"
)

// A cluster made of machines that already exist and are reachable over SSH.
type SSHClusterInput struct {
	CommandClusterInput `mapstructure:",squash"`
	User                string
	Port                int
	KeyFile             string `mapstructure:"key_file"`
	Password            string
	// The first node is the head node.
	Nodes []string
}

type sshCluster struct {
	commandCluster
}

func init() {
	RegisterCluster("ssh", func(m map[string]any) (Cluster, error) {
		input := &SSHClusterInput{}
		err := settings.Decode(m, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert settings to SSHClusterInput: %w", err)
		}
		return NewSSHCluster(input)
	})
}

func NewSSHCluster(input *SSHClusterInput) (Cluster, error) {
	if len(input.Nodes) == 0 {
		return nil, fmt.Errorf("ssh cluster needs at least one node")
	}
	if input.User == "" {
		input.User = "root"
	}
	if input.Name == "" {
		input.Name = input.Nodes[0]
	}

	auths := []ssh.AuthMethod{}
	if input.KeyFile != "" {
		auth, err := target.KeyFileAuth(input.KeyFile)
		if err != nil {
			return nil, err
		}
		auths = append(auths, auth)
	}
	if input.Password != "" {
		auths = append(auths, ssh.Password(input.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("ssh cluster needs key_file or password")
	}

	c := &sshCluster{commandCluster{input: &input.CommandClusterInput}}
	for _, host := range input.Nodes {
		c.nodes = append(c.nodes, target.NewSSHTarget(input.User, host, input.Port, auths...))
	}
	return c, nil
}

func (c *sshCluster) Initialize() error {
	return c.initializeNodes()
}

func (c *sshCluster) Cleanup() error {
	return c.cleanupNodes()
}

func (c *sshCluster) UseExisting() bool {
	return c.useExisting(true)
}
