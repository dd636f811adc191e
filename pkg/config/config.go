// Package config provides configuration loading and management for kinfit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"kinfit/pkg/kinetics"
	"kinfit/pkg/levmar"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Fit parameters
	Fit struct {
		// Model selects the kinetic model variant: 1t3p, 2t5p, srtm or liver
		Model string `yaml:"model"`

		// Decay is the isotope decay constant in 1/min; 0 fits decay-corrected data
		Decay float64 `yaml:"decay"`

		// NumCores specifies how many CPU cores to use for parallel fitting
		NumCores int `yaml:"numCores"`

		// GridStep is the fine time grid spacing in minutes used by the convolutions
		GridStep float64 `yaml:"gridStep"`

		// DecayWeights weights frames by decay-corrected duration instead of uniformly
		DecayWeights bool `yaml:"decayWeights"`
	} `yaml:"fit"`

	// Solver parameters
	Solver struct {
		// MaxIterations caps the number of accepted solver steps per voxel
		MaxIterations int `yaml:"maxIterations"`

		// CostTolerance declares convergence when the cost decrease falls below it
		CostTolerance float64 `yaml:"costTolerance"`

		// GradTolerance declares convergence when the gradient norm falls below it
		GradTolerance float64 `yaml:"gradTolerance"`

		// InitialLambda is the starting damping factor
		InitialLambda float64 `yaml:"initialLambda"`

		// LambdaUp multiplies the damping after a rejected step
		LambdaUp float64 `yaml:"lambdaUp"`

		// LambdaDown multiplies the damping after an accepted step
		LambdaDown float64 `yaml:"lambdaDown"`

		// MaxLambda abandons the fit as diverged once the damping exceeds it
		MaxLambda float64 `yaml:"maxLambda"`

		// RetryLimit caps damping retries within a single iteration
		RetryLimit int `yaml:"retryLimit"`
	} `yaml:"solver"`

	// Parameter overrides; empty lists keep the model defaults
	Params struct {
		// Initial overrides the model's default starting values
		Initial []float64 `yaml:"initial"`

		// Lower overrides the model's default lower bounds
		Lower []float64 `yaml:"lower"`

		// Upper overrides the model's default upper bounds
		Upper []float64 `yaml:"upper"`

		// Fixed marks parameters held at their initial values
		Fixed []bool `yaml:"fixed"`
	} `yaml:"params"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default fit parameters
	cfg.Fit.Model = kinetics.OneTissue3P.String()
	cfg.Fit.Decay = 0.0
	cfg.Fit.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Fit.GridStep = 0.01
	cfg.Fit.DecayWeights = false

	// Set default solver parameters from the solver's own defaults
	opts := levmar.DefaultOptions()
	cfg.Solver.MaxIterations = opts.MaxIterations
	cfg.Solver.CostTolerance = opts.CostTolerance
	cfg.Solver.GradTolerance = opts.GradTolerance
	cfg.Solver.InitialLambda = opts.InitialLambda
	cfg.Solver.LambdaUp = opts.LambdaUp
	cfg.Solver.LambdaDown = opts.LambdaDown
	cfg.Solver.MaxLambda = opts.MaxLambda
	cfg.Solver.RetryLimit = opts.RetryLimit

	// Set default output parameters
	cfg.Output.Verbose = true

	return cfg
}

// SolverOptions converts the solver section into solver options
func (c *Config) SolverOptions() levmar.Options {
	return levmar.Options{
		MaxIterations: c.Solver.MaxIterations,
		CostTolerance: c.Solver.CostTolerance,
		GradTolerance: c.Solver.GradTolerance,
		InitialLambda: c.Solver.InitialLambda,
		LambdaUp:      c.Solver.LambdaUp,
		LambdaDown:    c.Solver.LambdaDown,
		MaxLambda:     c.Solver.MaxLambda,
		RetryLimit:    c.Solver.RetryLimit,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
