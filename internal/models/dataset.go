// Package models defines the YAML file formats kinfit reads and writes:
// the dataset describing one scan and the result file produced after
// fitting it.
package models

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"kinfit/pkg/tac"
)

// SampledCurve holds one measured curve as parallel time and value lists
type SampledCurve struct {
	// Times are sample times in minutes, strictly increasing
	Times []float64 `yaml:"times"`

	// Values are activity concentrations at those times
	Values []float64 `yaml:"values"`
}

// Curve converts the YAML form into a fitting curve
func (c SampledCurve) Curve() tac.Curve {
	return tac.Curve{Times: c.Times, Values: c.Values}
}

// Region is one measured time-activity curve to fit
type Region struct {
	// Name identifies the region or voxel in logs and results
	Name string `yaml:"name"`

	// TAC is the frame-averaged measured activity, one value per frame
	TAC []float64 `yaml:"tac"`

	// Weights optionally scales each frame residual; empty means uniform
	Weights []float64 `yaml:"weights,omitempty"`

	// Initial optionally overrides the starting parameters for this region
	Initial []float64 `yaml:"initial,omitempty"`
}

// Dataset is one scan's worth of fitting input loaded from YAML
type Dataset struct {
	// Name identifies the scan in logs and result files
	Name string `yaml:"name"`

	// Input holds the blood curves driving the model
	Input struct {
		// Plasma is the metabolite-corrected plasma curve, or the
		// reference-region curve for reference tissue models
		Plasma SampledCurve `yaml:"plasma"`

		// WholeBlood feeds the vascular term; empty falls back to plasma
		WholeBlood SampledCurve `yaml:"wholeBlood,omitempty"`
	} `yaml:"input"`

	// FrameWidths are the scan frame durations in minutes, contiguous from time zero
	FrameWidths []float64 `yaml:"frameWidths"`

	// Regions are the measured curves to fit
	Regions []Region `yaml:"regions"`
}

// LoadDataset reads and validates a dataset YAML file
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset file: %w", err)
	}
	ds := &Dataset{}
	if err := yaml.Unmarshal(data, ds); err != nil {
		return nil, fmt.Errorf("error parsing dataset file: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Validate checks that the curves and frame lists are usable together
func (ds *Dataset) Validate() error {
	if err := ds.InputFunction().Validate(); err != nil {
		return fmt.Errorf("dataset %q input: %w", ds.Name, err)
	}
	if len(ds.FrameWidths) == 0 {
		return fmt.Errorf("dataset %q has no frames", ds.Name)
	}
	for i, w := range ds.FrameWidths {
		if !(w > 0) {
			return fmt.Errorf("dataset %q frame %d has width %g, want > 0", ds.Name, i, w)
		}
	}
	if len(ds.Regions) == 0 {
		return fmt.Errorf("dataset %q has no regions", ds.Name)
	}
	n := len(ds.FrameWidths)
	for _, r := range ds.Regions {
		if len(r.TAC) != n {
			return fmt.Errorf("region %q has %d frames, dataset has %d", r.Name, len(r.TAC), n)
		}
		if len(r.Weights) != 0 && len(r.Weights) != n {
			return fmt.Errorf("region %q has %d weights for %d frames", r.Name, len(r.Weights), n)
		}
	}
	return nil
}

// InputFunction converts the input section into fitting curves
func (ds *Dataset) InputFunction() tac.InputFunction {
	return tac.InputFunction{
		Plasma:     ds.Input.Plasma.Curve(),
		WholeBlood: ds.Input.WholeBlood.Curve(),
	}
}

// ScanTiming builds the frame schedule on the given fine grid step
func (ds *Dataset) ScanTiming(step float64) tac.ScanTiming {
	return tac.ScanTiming{
		Frames: tac.ContiguousFrames(ds.FrameWidths),
		Step:   step,
	}
}

// RegionResult is one fitted region in the results file
type RegionResult struct {
	// Name echoes the region name from the dataset
	Name string `yaml:"name"`

	// Status reports how the fit ended
	Status string `yaml:"status"`

	// Params are the fitted parameter values in model order
	Params []float64 `yaml:"params,omitempty"`

	// StdErr are the parameter standard errors; empty when unavailable
	StdErr []float64 `yaml:"stdErr,omitempty"`

	// Iterations is the number of accepted solver steps
	Iterations int `yaml:"iterations"`

	// Cost is the final weighted half sum of squared residuals
	Cost float64 `yaml:"cost"`

	// RMSE, R2 and Correlation summarize the fit quality
	RMSE        float64 `yaml:"rmse"`
	R2          float64 `yaml:"r2"`
	Correlation float64 `yaml:"correlation"`

	// Predicted is the fitted model curve, one value per frame
	Predicted []float64 `yaml:"predicted,omitempty"`
}

// ResultFile is the YAML document written after fitting one dataset
type ResultFile struct {
	// Dataset echoes the dataset name
	Dataset string `yaml:"dataset"`

	// Model is the fitted model variant tag
	Model string `yaml:"model"`

	// ParamNames are the parameter names in model order
	ParamNames []string `yaml:"paramNames"`

	// Decay echoes the decay constant the fit used
	Decay float64 `yaml:"decay"`

	// Regions are the per-region outcomes in dataset order
	Regions []RegionResult `yaml:"regions"`
}

// SaveResults writes the result file as YAML
func SaveResults(rf *ResultFile, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating results directory: %w", err)
	}
	data, err := yaml.Marshal(rf)
	if err != nil {
		return fmt.Errorf("error marshaling results: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing results file: %w", err)
	}
	return nil
}
