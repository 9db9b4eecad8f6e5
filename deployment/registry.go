package deployment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// ConfigEnvKey locates the registry file when no path is given.
	ConfigEnvKey = "SSDS_CONFIG"

	configName = "deployments"
)

// ConfigSearchPaths are searched for deployments.yaml when neither a path
// nor SSDS_CONFIG is set.
var ConfigSearchPaths = []string{".", "~/.config/ssds"}

// projectEnvKeys are consulted in order for the GS billing project.
var projectEnvKeys = []string{"GOOGLE_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"}

type deploymentConfig struct {
	Name        string `mapstructure:"name"`
	Provider    string `mapstructure:"provider"`
	Bucket      string `mapstructure:"bucket"`
	Region      string `mapstructure:"region"`
	Project     string `mapstructure:"project"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	Credentials string `mapstructure:"credentials"`
	ChunkSize   string `mapstructure:"chunk_size"`
}

// Registry holds the known deployments by name.
type Registry struct {
	deployments map[string]Deployment
}

// NewRegistry validates deployments and indexes them by name.
func NewRegistry(deployments ...Deployment) (*Registry, error) {
	r := &Registry{deployments: map[string]Deployment{}}
	for _, d := range deployments {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.deployments[d.Name]; ok {
			return nil, &ConfigurationError{Deployment: d.Name, Reason: "defined more than once"}
		}
		r.deployments[d.Name] = d
	}
	return r, nil
}

// LoadRegistry reads the deployments YAML file. An empty path falls back to
// SSDS_CONFIG and then to ConfigSearchPaths.
func LoadRegistry(path string, envRepo env.Repository) (*Registry, error) {
	cfg := viper.New()
	cfg.SetConfigType("yaml")

	if path == "" {
		path = envRepo.Get(ConfigEnvKey)
	}

	pathModifier := pathutil.NewPathModifier()
	if path != "" {
		absPath, err := pathModifier.AbsPath(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		cfg.SetConfigFile(absPath)
	} else {
		cfg.SetConfigName(configName)
		for _, dir := range ConfigSearchPaths {
			absDir, err := pathModifier.AbsPath(dir)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", dir, err)
			}
			cfg.AddConfigPath(absDir)
		}
	}

	if err := cfg.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read deployments config: %w", err)
	}

	var configs []deploymentConfig
	if err := cfg.UnmarshalKey("deployments", &configs); err != nil {
		return nil, fmt.Errorf("parse deployments config %s: %w", cfg.ConfigFileUsed(), err)
	}

	deployments := make([]Deployment, 0, len(configs))
	for _, c := range configs {
		d, err := c.resolve(envRepo)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	return NewRegistry(deployments...)
}

func (c deploymentConfig) resolve(envRepo env.Repository) (Deployment, error) {
	d := Deployment{
		Name:        c.Name,
		Provider:    Provider(strings.ToLower(c.Provider)),
		Bucket:      c.Bucket,
		Region:      c.Region,
		Project:     c.Project,
		Endpoint:    c.Endpoint,
		Insecure:    c.Insecure,
		Credentials: c.Credentials,
	}

	if c.ChunkSize != "" {
		size, err := units.RAMInBytes(c.ChunkSize)
		if err != nil {
			return Deployment{}, &ConfigurationError{Deployment: c.Name, Reason: "invalid chunk_size", Err: err}
		}
		d.ChunkSize = size
	}

	if d.Provider == ProviderGS && d.Project == "" {
		for _, key := range projectEnvKeys {
			if project := envRepo.Get(key); project != "" {
				d.Project = project
				break
			}
		}
	}

	return d, nil
}

// Get returns the named deployment.
func (r *Registry) Get(name string) (Deployment, error) {
	d, ok := r.deployments[name]
	if !ok {
		return Deployment{}, &ConfigurationError{Deployment: name, Reason: "unknown deployment"}
	}
	return d, nil
}

// All returns the deployments sorted by name.
func (r *Registry) All() []Deployment {
	all := make([]Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}
