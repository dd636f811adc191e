package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"kinfit/internal/models"
	"kinfit/pkg/config"
	"kinfit/pkg/fit"
	"kinfit/pkg/kinetics"
	"kinfit/pkg/levmar"
	"kinfit/pkg/tac"
)

func main() {
	// Parse command line arguments
	dataPath := flag.String("data", "", "Dataset YAML file with input curves and regional TACs")
	configPath := flag.String("config", "kinfit.yaml", "Configuration YAML file (missing file uses defaults)")
	outputPath := flag.String("output", "results.yaml", "Output results filename")
	modelTag := flag.String("model", "", "Kinetic model variant: 1t3p, 2t5p, srtm or liver (default: from config)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from config)")
	decay := flag.Float64("decay", -1, "Isotope decay constant in 1/min (default: from config)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the config path and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *dataPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration with command line overrides
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *modelTag != "" {
		cfg.Fit.Model = *modelTag
	}
	if *numCores > 0 {
		cfg.Fit.NumCores = *numCores
	}
	if *decay >= 0 {
		cfg.Fit.Decay = *decay
	}

	variant, err := kinetics.ParseVariant(cfg.Fit.Model)
	if err != nil {
		log.Fatalf("Invalid model: %v", err)
	}
	model, err := kinetics.New(variant)
	if err != nil {
		log.Fatalf("Invalid model: %v", err)
	}

	dataset, err := models.LoadDataset(*dataPath)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("KINFIT: COMPARTMENTAL MODEL FITTING FOR DYNAMIC PET")
	fmt.Println("================================")
	fmt.Printf("Dataset: %s (%d regions, %d frames)\n", dataset.Name, len(dataset.Regions), len(dataset.FrameWidths))
	fmt.Printf("Model: %s, parameters %v\n", variant, model.ParamNames())
	fmt.Printf("Decay constant: %g 1/min\n", cfg.Fit.Decay)

	// Initialize fitting options from the configuration
	opts := fit.Options{
		Solver:  cfg.SolverOptions(),
		Workers: cfg.Fit.NumCores,
		Decay:   cfg.Fit.Decay,
	}
	if len(cfg.Params.Initial) > 0 {
		opts.Initial = cfg.Params.Initial
	}
	if len(cfg.Params.Lower) > 0 {
		opts.Lower = cfg.Params.Lower
	}
	if len(cfg.Params.Upper) > 0 {
		opts.Upper = cfg.Params.Upper
	}
	if len(cfg.Params.Fixed) > 0 {
		opts.Fixed = cfg.Params.Fixed
	}

	st := dataset.ScanTiming(cfg.Fit.GridStep)
	fitter, err := fit.NewFitter(model, dataset.InputFunction(), st, opts)
	if err != nil {
		log.Fatalf("Failed to prepare fitter: %v", err)
	}

	// Build per-region work items, falling back to decay weighting when
	// the dataset carries no explicit weights and the config asks for it
	var decayWeights []float64
	if cfg.Fit.DecayWeights {
		decayWeights = tac.DecayWeights(st, cfg.Fit.Decay)
	}
	voxels := make([]fit.VoxelData, len(dataset.Regions))
	for i, r := range dataset.Regions {
		voxels[i] = fit.VoxelData{Observed: r.TAC, Initial: r.Initial}
		switch {
		case len(r.Weights) > 0:
			voxels[i].Weights = r.Weights
		case decayWeights != nil:
			voxels[i].Weights = decayWeights
		}
	}

	// Run the parallel fit
	fmt.Printf("\nFitting %d regions on %d cores...\n", len(voxels), cfg.Fit.NumCores)
	startTime := time.Now()
	results, err := fitter.FitAll(voxels)
	if err != nil {
		log.Fatalf("Fitting failed: %v", err)
	}
	processingTime := time.Since(startTime)

	// Collect per-region results
	rf := &models.ResultFile{
		Dataset:    dataset.Name,
		Model:      variant.String(),
		ParamNames: model.ParamNames(),
		Decay:      cfg.Fit.Decay,
		Regions:    make([]models.RegionResult, len(results)),
	}
	converged := 0
	meanR2 := 0.0
	for i, res := range results {
		r := &rf.Regions[i]
		r.Name = dataset.Regions[i].Name
		r.Status = res.Status.String()
		r.Params = res.Params
		r.Iterations = res.Iterations
		r.Cost = res.Cost
		r.RMSE = res.Quality.RMSE
		r.R2 = res.Quality.R2
		r.Correlation = res.Quality.Correlation
		r.Predicted = res.Predicted
		if res.Status == levmar.Converged {
			converged++
			meanR2 += res.Quality.R2
			se, err := fitter.StandardErrors(res.Params, voxels[i])
			if err != nil {
				log.Printf("Warning: no standard errors for region %q: %v", r.Name, err)
			} else {
				r.StdErr = se
			}
		}
		if cfg.Output.Verbose {
			fmt.Printf("  %-16s %-22s iters=%-4d rmse=%-10.4g r2=%.4f\n",
				r.Name, r.Status, r.Iterations, r.RMSE, r.R2)
		}
	}
	if converged > 0 {
		meanR2 /= float64(converged)
	}

	if err := models.SaveResults(rf, *outputPath); err != nil {
		log.Fatalf("Failed to save results: %v", err)
	}

	fmt.Printf("\nFitting completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Results saved to: %s\n\n", *outputPath)

	fmt.Printf("Fit summary:\n")
	fmt.Printf("============\n")
	fmt.Printf("Converged regions: %d of %d\n", converged, len(results))
	fmt.Printf("Mean R2 over converged fits: %.4f\n", meanR2)

	fmt.Println("\nParallel fitting performance:")
	fmt.Printf("- Used %d cores for fitting\n", cfg.Fit.NumCores)
	fmt.Printf("- Total fitting time: %.2f seconds\n", processingTime.Seconds())
}
