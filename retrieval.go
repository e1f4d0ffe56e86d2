/*
Copyright © 2021 the GPROF-NN authors.
This file is part of GPROF-NN.

GPROF-NN is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

GPROF-NN is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with GPROF-NN.  If not, see <http://www.gnu.org/licenses/>.
*/

package gprofnn

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/sparse"
	log "github.com/sirupsen/logrus"
)

// ErrSkipped marks recoverable per-file failures. Callers processing
// many files should test for it with errors.Is and move on to the next
// file.
var ErrSkipped = errors.New("input skipped")

// DriverState tracks the phases of one retrieval run.
type DriverState int

const (
	StateCreated DriverState = iota
	StateInputLoaded
	StateInferred
	StateFinalized
	StateWritten
	StateFailed
)

func (s DriverState) String() string {
	switch s {
	case StateInputLoaded:
		return "input loaded"
	case StateInferred:
		return "inferred"
	case StateFinalized:
		return "finalized"
	case StateWritten:
		return "written"
	case StateFailed:
		return "failed"
	default:
		return "created"
	}
}

// A PreprocessorRunner turns an L1C file into a preprocessor file.
type PreprocessorRunner interface {
	Run(l1cFile string, sensor *Sensor, outputFile string) error
}

// CSUPreprocessor invokes the external CSU preprocessor executable.
type CSUPreprocessor struct {
	// Executable overrides the per-sensor default executable name.
	Executable string
}

func (c *CSUPreprocessor) executable(sensor *Sensor) string {
	if c.Executable != "" {
		return c.Executable
	}
	return "gprof2021pp_" + sensor.Name + "_L1C"
}

// Run executes the preprocessor on an L1C file. On success the
// preprocessor's output is logged at debug level; on failure the tail of
// the output is carried in the returned error.
func (c *CSUPreprocessor) Run(l1cFile string, sensor *Sensor, outputFile string) error {
	cmd := exec.Command(c.executable(sensor), l1cFile, outputFile)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gprofnn: running %s on %s: %v: %s",
			c.executable(sensor), l1cFile, err, logExcerpt(out))
	}
	if len(out) > 0 {
		log.WithField("file", l1cFile).Debug(string(out))
	}
	return nil
}

// logExcerpt keeps the tail of subprocess output so error messages stay
// a readable length.
func logExcerpt(out []byte) string {
	const max = 1024
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "(no output)"
	}
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}

// DriverConfig configures a retrieval Driver.
type DriverConfig struct {
	// Model is the trained retrieval network.
	Model Model

	// Normalizer scales input features to the range the model was
	// trained on.
	Normalizer *Normalizer

	// Kind selects between the 0D and the 2D retrieval.
	Kind RetrievalKind

	// Target is the hardware the model runs on.
	Target ComputeTarget

	// BatchSize overrides the per-format default when positive.
	BatchSize int

	// Gradients additionally retrieves the sensitivity of scalar
	// targets to the network input. Requires a GradientModel and the
	// 0D retrieval.
	Gradients bool

	// Simulator runs the simulator network over training files
	// instead of the precipitation retrieval.
	Simulator bool

	// Sensor names the instrument of L1C input files, which do not
	// carry that information in a form the driver reads.
	Sensor string

	// Preprocessor converts L1C input. Defaults to CSUPreprocessor.
	Preprocessor PreprocessorRunner
}

// Driver runs the retrieval over single input files: it loads the
// input, runs inference batch by batch, derives the secondary
// precipitation quantities, restores the native geometry and writes the
// results. Output is written in the legacy binary format for
// preprocessor and L1C input and as NetCDF otherwise.
type Driver struct {
	cfg   DriverConfig
	state DriverState
}

// NewDriver validates the configuration and creates a driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("gprofnn: driver needs a model")
	}
	if cfg.Normalizer == nil {
		return nil, fmt.Errorf("gprofnn: driver needs a normalizer")
	}
	if cfg.Gradients {
		if _, ok := cfg.Model.(GradientModel); !ok {
			return nil, fmt.Errorf("gprofnn: model cannot compute gradients")
		}
		if cfg.Kind != Retrieval0D {
			return nil, fmt.Errorf("gprofnn: gradients are only available for the 0D retrieval")
		}
	}
	if cfg.Simulator && cfg.Kind != Retrieval2D {
		return nil, fmt.Errorf("gprofnn: the simulator is a 2D retrieval")
	}
	if cfg.Preprocessor == nil {
		cfg.Preprocessor = &CSUPreprocessor{}
	}
	return &Driver{cfg: cfg}, nil
}

// State returns the phase the last Run reached.
func (d *Driver) State() DriverState { return d.state }

// Run retrieves one input file and writes the result file into
// outputDir, returning its path. Failures that should not abort a batch
// of files, such as a failing preprocessor run, wrap ErrSkipped.
func (d *Driver) Run(inputFile, outputDir string) (path string, err error) {
	d.state = StateCreated
	defer func() {
		if err != nil {
			d.state = StateFailed
		}
	}()

	format := DetectFormat(inputFile)
	loadFile := inputFile
	if format == FormatL1C {
		if d.cfg.Sensor == "" {
			return "", fmt.Errorf("gprofnn: L1C input %s needs a configured sensor", inputFile)
		}
		sensor, err := SensorByName(d.cfg.Sensor)
		if err != nil {
			return "", err
		}
		tmp, err := os.CreateTemp("", "gprofnn-*.pp")
		if err != nil {
			return "", fmt.Errorf("gprofnn: creating temporary preprocessor file: %v", err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())
		if err := d.cfg.Preprocessor.Run(inputFile, sensor, tmp.Name()); err != nil {
			return "", fmt.Errorf("gprofnn: preprocessing %s: %v: %w", inputFile, err, ErrSkipped)
		}
		loadFile = tmp.Name()
	}

	loader, err := d.loader(loadFile, format)
	if err != nil {
		return "", err
	}
	d.state = StateInputLoaded
	log.WithFields(log.Fields{
		"file":    inputFile,
		"format":  format,
		"kind":    d.cfg.Kind,
		"sensor":  loader.Sensor(),
		"batches": loader.Len(),
	}).Info("Loaded retrieval input")

	results, err := d.infer(loader)
	if err != nil {
		return "", err
	}
	d.state = StateInferred

	finalized, err := loader.Finalize(results)
	if err != nil {
		return "", err
	}
	d.state = StateFinalized

	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("gprofnn: creating output directory %s: %v", outputDir, err)
	}
	if w, ok := loader.(ResultWriter); ok && (format == FormatPreprocessor || format == FormatL1C) {
		path, err = w.WriteRetrievalResults(outputDir, finalized)
	} else {
		stem := strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile))
		path = filepath.Join(outputDir, stem+".nc")
		err = WriteDataset(path, finalized)
	}
	if err != nil {
		return "", err
	}
	d.state = StateWritten
	return path, nil
}

func (d *Driver) loader(filename string, format InputFormat) (InputLoader, error) {
	if d.cfg.Simulator {
		if format != FormatNetCDF {
			return nil, fmt.Errorf("gprofnn: the simulator reads NetCDF training files, not %s input", format)
		}
		return NewSimulatorLoader(filename, d.cfg.Normalizer, d.cfg.BatchSize)
	}
	switch {
	case format == FormatNetCDF && d.cfg.Kind == Retrieval0D:
		return NewNetCDFLoader(filename, d.cfg.Normalizer, d.cfg.BatchSize)
	case format == FormatNetCDF:
		return NewNetCDFGridLoader(filename, d.cfg.Normalizer, d.cfg.BatchSize)
	case d.cfg.Kind == Retrieval0D:
		return NewPreprocessorLoader(filename, d.cfg.Normalizer, d.cfg.BatchSize)
	default:
		return NewPreprocessorGridLoader(filename, d.cfg.Normalizer)
	}
}

// terciles are the posterior quantiles reported alongside the mean
// surface precipitation.
var terciles = []float64{0.333, 0.667}

func (d *Driver) infer(loader InputLoader) (*Dataset, error) {
	means := make(map[string][]*sparse.DenseArray)
	gradParts := make(map[string][]*sparse.DenseArray)
	var tercileParts, popParts []*sparse.DenseArray

	for i := 0; i < loader.Len(); i++ {
		x, err := loader.Batch(i)
		if err != nil {
			return nil, err
		}
		pred, err := d.cfg.Model.Predict(x, d.cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("gprofnn: batch %d: %v", i, err)
		}
		mean, err := d.cfg.Model.PosteriorMean(pred)
		if err != nil {
			return nil, fmt.Errorf("gprofnn: batch %d: %v", i, err)
		}
		for k, v := range mean {
			means[k] = append(means[k], v)
		}
		if sp, ok := pred["surface_precip"]; ok && !d.cfg.Gradients {
			t, err := d.cfg.Model.PosteriorQuantiles(sp, terciles, "surface_precip")
			if err != nil {
				return nil, fmt.Errorf("gprofnn: batch %d: %v", i, err)
			}
			tercileParts = append(tercileParts, t)
			p, err := d.cfg.Model.ProbabilityLargerThan(sp, popThreshold, "surface_precip")
			if err != nil {
				return nil, fmt.Errorf("gprofnn: batch %d: %v", i, err)
			}
			popParts = append(popParts, p)
		}
		if d.cfg.Gradients {
			for k := range pred {
				if IsProfileTarget(k) {
					continue
				}
				g, err := d.cfg.Model.(GradientModel).Gradients(x, k, d.cfg.Target)
				if err != nil {
					return nil, fmt.Errorf("gprofnn: batch %d: %v", i, err)
				}
				gradParts[k] = append(gradParts[k], g)
			}
		}
	}

	results := NewDataset()
	for _, k := range predictionOrder(means) {
		a, err := concatSamples(means[k])
		if err != nil {
			return nil, err
		}
		dims := append([]string{"samples"}, loader.Dimensions(k)...)
		if err := results.Add(k, dims, a); err != nil {
			return nil, err
		}
	}

	if len(tercileParts) > 0 {
		t, err := concatSamples(tercileParts)
		if err != nil {
			return nil, err
		}
		dims := append([]string{"samples"}, loader.Dimensions("surface_precip")...)
		if err := results.Add("precip_1st_tercile", dims, sliceAxis(t, 1, 0)); err != nil {
			return nil, err
		}
		if err := results.Add("precip_3rd_tercile", dims, sliceAxis(t, 1, 1)); err != nil {
			return nil, err
		}
		pop, err := concatSamples(popParts)
		if err != nil {
			return nil, err
		}
		if err := results.Add("pop", dims, pop); err != nil {
			return nil, err
		}
		if sp := results.Get("surface_precip"); sp != nil {
			if err := results.Add("most_likely_precip", dims, sp.Data.Copy()); err != nil {
				return nil, err
			}
		}
		flag := pop.Copy()
		for i, v := range pop.Elements {
			switch {
			case math.IsNaN(v):
				flag.Elements[i] = math.NaN()
			case v > 0.5:
				flag.Elements[i] = 1
			default:
				flag.Elements[i] = 0
			}
		}
		if err := results.AddInt("precip_flag", dims, flag); err != nil {
			return nil, err
		}
	}

	var gradTargets []string
	for k := range gradParts {
		gradTargets = append(gradTargets, k)
	}
	sort.Strings(gradTargets)
	for _, k := range gradTargets {
		g, err := concatSamples(gradParts[k])
		if err != nil {
			return nil, err
		}
		dims := append([]string{"samples"}, loader.Dimensions(k)...)
		dims = append(dims, "inputs")
		if err := results.Add(k+"_grad", dims, g); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// predictionOrder returns the target names with surface_precip first
// and the rest sorted, so result variables come out in a stable order.
func predictionOrder(means map[string][]*sparse.DenseArray) []string {
	var rest []string
	for k := range means {
		if k != "surface_precip" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	if _, ok := means["surface_precip"]; ok {
		return append([]string{"surface_precip"}, rest...)
	}
	return rest
}

// FileError records which input file a retrieval failure belongs to.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.File, e.Err) }
func (e *FileError) Unwrap() error { return e.Err }

// RunMany retrieves a list of input files into outputDir. Skipped files
// are logged and do not appear among the failures; any other per-file
// error is reported but does not stop the remaining files.
func (d *Driver) RunMany(inputFiles []string, outputDir string) (written []string, failed []*FileError) {
	for _, f := range inputFiles {
		path, err := d.Run(f, outputDir)
		if err != nil {
			if errors.Is(err, ErrSkipped) {
				log.WithFields(log.Fields{"file": f, "error": err}).Warn("Skipping input file")
				continue
			}
			log.WithFields(log.Fields{"file": f, "error": err}).Error("Retrieval failed")
			failed = append(failed, &FileError{File: f, Err: err})
			continue
		}
		written = append(written, path)
	}
	return written, failed
}
