package cluster

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Octogonapus/ClusterBenchmark/target"
)

// A cluster is the storage system under test. Benchmarks receive it when they are created and use it to reach the
// cluster's nodes. Cluster implementations are not goroutine-safe.
type Cluster interface {
	// Bring the cluster up (or validate an existing one) so that benchmarks can run against it.
	Initialize() error

	// Tear down whatever Initialize created.
	Cleanup() error

	// The node benchmark commands are run from.
	Head() target.Target

	Nodes() []target.Target

	// Whether the cluster already exists and must not be initialized by benchmarks.
	UseExisting() bool

	// A human-friendly name. Only used for logging.
	GetName() string
}

const DefaultKind = "ssh"

type clusterFactory func(map[string]any) (Cluster, error)

var clusters map[string]clusterFactory

// All cluster kinds must register themselves at module load time so that settings can create a cluster of that kind.
func RegisterCluster(kind string, f clusterFactory) {
	if clusters == nil {
		clusters = map[string]clusterFactory{}
	}
	clusters[kind] = f
}

// Creates a cluster from the cluster settings. The "type" key selects the kind and defaults to "ssh".
func NewCluster(settings map[string]any) (Cluster, error) {
	kind, _ := settings["type"].(string)
	if kind == "" {
		kind = DefaultKind
	}
	f, ok := clusters[kind]
	if !ok {
		return nil, fmt.Errorf("unknown cluster type: %s (must be one of %s)", kind, ExplainClusters())
	}
	return f(settings)
}

func ExplainClusters() string {
	kinds := []string{}
	for kind := range clusters {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return "\"" + strings.Join(kinds, "\", \"") + "\""
}
