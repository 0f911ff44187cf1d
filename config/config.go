package config

import (
	"os"
	"path/filepath"

	"github.com/ZacxDev/buildloop/target"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up when none is given.
const DefaultFileName = "buildloop.yml"

// Load reads a config file into a target graph. Starlark configs are
// selected by the .star extension; everything else is parsed as YAML.
func Load(path string) (target.Graph, error) {
	if filepath.Ext(path) == ".star" {
		return ParseStarlarkConfig(path)
	}
	return ParseYAMLConfig(path)
}

type yamlTarget struct {
	DependsOn  []string       `yaml:"depends_on"`
	Watch      []string       `yaml:"watch"`
	Outputs    []string       `yaml:"outputs"`
	Build      []string       `yaml:"build"`
	Run        []string       `yaml:"run"`
	RunOptions yamlRunOptions `yaml:"run_options"`
}

type yamlRunOptions struct {
	// nil means unset, which defaults to true
	Incremental *bool `yaml:"incremental"`
}

// ParseYAMLConfig reads a YAML mapping from target name to target fields.
func ParseYAMLConfig(path string) (target.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var raw map[string]yamlTarget
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "invalid format for config file %s", path)
	}

	graph := make(target.Graph, len(raw))
	for name, yt := range raw {
		incremental := true
		if yt.RunOptions.Incremental != nil {
			incremental = *yt.RunOptions.Incremental
		}
		graph[name] = &target.Target{
			Name:        name,
			DependsOn:   yt.DependsOn,
			WatchPaths:  yt.Watch,
			OutputPaths: yt.Outputs,
			BuildList:   yt.Build,
			RunList:     yt.Run,
			Incremental: incremental,
		}
	}

	return graph, nil
}
