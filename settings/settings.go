// Package settings loads the run configuration from one or more YAML files and the command line.
//
// A config file has three top-level sections:
//
//	general:    # archive_dir, iterations, rebuild, query, format, metrics_path
//	cluster:    # handed to the cluster factory; rebuild_every_test lives here
//	benchmarks: # one entry per benchmark type, handed to that type's factory
//
// Files are merged in the order given, later files overriding earlier ones key by key.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var ErrConfiguration = errors.New("configuration error")

var (
	ErrNoGeneralSettings   = fmt.Errorf("%w: no general settings found", ErrConfiguration)
	ErrNoClusterSettings   = fmt.Errorf("%w: no cluster settings found, did you include a yaml file?", ErrConfiguration)
	ErrNoBenchmarkSettings = fmt.Errorf("%w: no benchmark settings found, did you include a yaml file?", ErrConfiguration)
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatRaw  = "raw"
)

var Formats = []string{FormatJSON, FormatCSV, FormatRaw}

type General struct {
	ArchiveDir  string `mapstructure:"archive_dir"`
	Iterations  int    `mapstructure:"iterations"`
	Rebuild     bool   `mapstructure:"rebuild"`
	Query       string `mapstructure:"query"`
	Format      string `mapstructure:"format"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type Settings struct {
	General General
	// The raw general section, kept so that emptiness can be checked.
	RawGeneral map[string]any
	Cluster    map[string]any
	Benchmarks map[string]map[string]any

	clusterFlags clusterFlags
}

// The cluster keys read by the orchestrator itself. The rest of the section belongs to the cluster kind.
type clusterFlags struct {
	RebuildEveryTest bool `mapstructure:"rebuild_every_test"`
}

// Values from the command line. Zero values leave the config files untouched.
type LoadInput struct {
	ConfigFiles []string
	ArchiveDir  string
	Conf        string
	Rebuild     bool
	Query       string
	Format      string
}

func Load(input *LoadInput) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for _, path := range input.ConfigFiles {
		err := mergeFile(v, path)
		if err != nil {
			return nil, err
		}
	}

	all := v.AllSettings()
	s := &Settings{
		RawGeneral: asMap(all["general"]),
		Cluster:    asMap(all["cluster"]),
		Benchmarks: map[string]map[string]any{},
	}
	for btype, config := range asMap(all["benchmarks"]) {
		if config != nil {
			if _, ok := config.(map[string]any); !ok {
				return nil, fmt.Errorf("%w: benchmark %s must be a map, got %T", ErrConfiguration, btype, config)
			}
		}
		s.Benchmarks[btype] = asMap(config)
	}

	if input.ArchiveDir != "" {
		s.RawGeneral["archive_dir"] = input.ArchiveDir
	}
	if input.Rebuild {
		s.RawGeneral["rebuild"] = true
	}
	if input.Query != "" {
		s.RawGeneral["query"] = input.Query
	}
	if input.Format != "" {
		s.RawGeneral["format"] = input.Format
	}
	if input.Conf != "" {
		s.Cluster["conf"] = input.Conf
	}

	if len(s.RawGeneral) == 0 {
		return nil, ErrNoGeneralSettings
	}
	err := s.decodeClusterFlags()
	if err != nil {
		return nil, err
	}
	err = Decode(s.RawGeneral, &s.General)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding general settings failed: %w", ErrConfiguration, err)
	}
	err = s.General.applyDefaults()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Checks that there is something to run. Must be called before creating a cluster.
func (s *Settings) CheckRunnable() error {
	if len(s.Cluster) == 0 {
		return ErrNoClusterSettings
	}
	if len(s.Benchmarks) == 0 {
		return ErrNoBenchmarkSettings
	}
	return s.decodeClusterFlags()
}

// Whether every benchmark must initialize itself instead of reusing an earlier initialization of its class. Only
// meaningful after Load or CheckRunnable succeeded.
func (s *Settings) RebuildEveryTest() bool {
	return s.clusterFlags.RebuildEveryTest
}

func (s *Settings) decodeClusterFlags() error {
	flags := clusterFlags{}
	err := Decode(s.Cluster, &flags)
	if err != nil {
		return fmt.Errorf("%w: decoding cluster settings failed: %w", ErrConfiguration, err)
	}
	s.clusterFlags = flags
	return nil
}

// Decodes a settings map into a struct. Strings such as "true" or "3" are accepted where bools and numbers are
// expected, since they commonly come from the command line or hand-written YAML.
func Decode(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func (g *General) applyDefaults() error {
	if g.Iterations < 0 {
		return fmt.Errorf("%w: iterations must not be negative, got %d", ErrConfiguration, g.Iterations)
	}
	if g.Format == "" {
		g.Format = FormatCSV
	}
	if g.Format != FormatJSON && g.Format != FormatCSV && g.Format != FormatRaw {
		return fmt.Errorf("%w: unknown query format %q, must be one of %v", ErrConfiguration, g.Format, Formats)
	}
	if g.MetricsPath == "" && g.ArchiveDir != "" {
		g.MetricsPath = filepath.Join(g.ArchiveDir, "clusterbench.prom")
	}
	return nil
}

func mergeFile(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening config file failed: %w", ErrConfiguration, err)
	}
	defer f.Close()
	err = v.MergeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: parsing config file %s failed: %w", ErrConfiguration, path, err)
	}
	return nil
}

func asMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return map[string]any{}
	}
	return m
}
