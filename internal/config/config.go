// Package config loads run settings from a YAML file, an optional .env file
// and SALT_ prefixed environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-salt/internal/assembler"
	"github.com/23skdu/longbow-salt/internal/storage"
	"github.com/23skdu/longbow-salt/internal/tasks"
	"github.com/23skdu/longbow-salt/internal/vertex"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SALT_"

type OutputConfig struct {
	// Dir replaces the checkpoint directory as the output location.
	Dir string                 `yaml:"dir" env:"DIR"`
	S3  storage.S3ClientConfig `yaml:"s3" envPrefix:"S3_"`
	// Local publishes finished files into this directory.
	Local string `yaml:"local" env:"LOCAL"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen" env:"LISTEN"`
	Flight        string `yaml:"flight" env:"FLIGHT"`
	Forward       string `yaml:"forward" env:"FORWARD"`
	MaxConcurrent int64  `yaml:"max_concurrent_passes" env:"MAX_CONCURRENT_PASSES"`
	// SourceRoot holds the datasets remote requests may read. Remote
	// requests are refused while it is empty.
	SourceRoot string `yaml:"source_root" env:"SOURCE_ROOT"`
}

type Config struct {
	ModelName      string        `yaml:"model_name" env:"MODEL_NAME"`
	JetName        string        `yaml:"jet_name" env:"JET_NAME"`
	TrackName      string        `yaml:"track_name" env:"TRACK_NAME"`
	JetVariables   []string      `yaml:"jet_variables" env:"JET_VARIABLES"`
	TrackVariables []string      `yaml:"track_variables" env:"TRACK_VARIABLES"`
	WriteTracks    bool          `yaml:"write_tracks" env:"WRITE_TRACKS"`
	HalfPrecision  bool          `yaml:"half_precision" env:"HALF_PRECISION"`
	Vertex         vertex.Policy `yaml:"vertex" envPrefix:"VERTEX_"`
	Tasks          []tasks.Spec  `yaml:"tasks"`
	Checkpoint     string        `yaml:"checkpoint" env:"CHECKPOINT"`
	// TrainFile supplies class names recorded as block attributes.
	TrainFile string       `yaml:"train_file" env:"TRAIN_FILE"`
	Output    OutputConfig `yaml:"output" envPrefix:"OUTPUT_"`
	Server    ServerConfig `yaml:"server" envPrefix:"SERVER_"`

	// Dir is the directory of the config file; checkpoints are searched in
	// Dir/ckpts.
	Dir string `yaml:"-"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		ModelName: "salt",
		JetName:   "jets",
		TrackName: "tracks",
		JetVariables: []string{
			"pt",
			"eta",
			"HadronConeExclTruthLabelID",
			"n_tracks_loose",
			"n_truth_promptLepton",
		},
		TrackVariables: []string{"truthOriginLabel", "truthVertexIndex"},
		HalfPrecision:  true,
		Vertex:         vertex.DefaultPolicy(),
		Server: ServerConfig{
			MaxConcurrent: 2,
		},
	}
}

// Load reads the YAML file at path, if any, then the .env file envFile, if
// it exists, then the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfg.Dir = filepath.Dir(abs)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error loading env file %s: %w", envFile, err)
			}
			log.Debug().Str("file", envFile).Msg("No env file found, continuing with environment variables")
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks settings that do not need the datasets.
func (c *Config) Validate() error {
	if c.JetName == "" {
		return fmt.Errorf("jet_name must be set")
	}
	if c.WriteTracks && c.TrackName == "" {
		return fmt.Errorf("track_name must be set when write_tracks is enabled")
	}
	if err := c.Vertex.Validate(); err != nil {
		return fmt.Errorf("vertex: %w", err)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent_passes must be at least 1, got %d", c.Server.MaxConcurrent)
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ResolveCheckpoint returns the explicit checkpoint, or the best checkpoint
// in the ckpts directory next to the config file.
func (c *Config) ResolveCheckpoint(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.Checkpoint != "" {
		return c.Checkpoint, nil
	}
	if c.Dir == "" {
		return "", fmt.Errorf("no checkpoint given and no config directory to search")
	}
	return assembler.BestCheckpoint(filepath.Join(c.Dir, "ckpts"))
}

// RunMetadata builds the metadata of one pass. An empty output is derived
// from the checkpoint, inside Output.Dir when set.
func (c *Config) RunMetadata(checkpoint, source, output, sample string) assembler.RunMetadata {
	if output == "" && c.Output.Dir != "" {
		output = filepath.Join(c.Output.Dir, filepath.Base(assembler.OutputPath(checkpoint, source, sample)))
	}
	return assembler.RunMetadata{
		Model:          c.ModelName,
		JetBlock:       c.JetName,
		TrackBlock:     c.TrackName,
		JetVariables:   c.JetVariables,
		TrackVariables: c.TrackVariables,
		Tasks:          c.Tasks,
		WriteTracks:    c.WriteTracks,
		HalfPrecision:  c.HalfPrecision,
		Vertex:         c.Vertex,
		OutputPath:     output,
		Checkpoint:     checkpoint,
		Sample:         sample,
	}
}
