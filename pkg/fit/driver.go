package fit

import (
	"fmt"
	"runtime"
	"sync"

	"kinfit/pkg/kinetics"
	"kinfit/pkg/levmar"
)

// FitAll fits every voxel and returns results in input order. Work is
// spread over a fixed pool of workers, each with its own solver and
// scratch, so voxels only share the read-only model and input. If any
// voxel fails the first failure is returned, with the remaining results
// still filled in.
func (ft *Fitter) FitAll(voxels []VoxelData) ([]Result, error) {
	if len(voxels) == 0 {
		return nil, nil
	}

	workers := ft.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(voxels) {
		workers = len(voxels)
	}

	results := make([]Result, len(voxels))
	errs := make([]error, len(voxels))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws := kinetics.NewWorkspace(ft.in, ft.model)
			solver := levmar.New(ft.opts.Solver)
			for idx := range jobs {
				results[idx], errs[idx] = ft.fitWith(solver, ws, voxels[idx])
			}
		}()
	}

	for i := range voxels {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("voxel %d: %w", i, err)
		}
	}
	return results, nil
}
