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
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctessum/sparse"
)

// fakeModel predicts a constant quantile distribution for the surface
// precipitation.
type fakeModel struct {
	value float64
	pop   float64
	grad  float64
}

func (m *fakeModel) Predict(x *sparse.DenseArray, target ComputeTarget) (Prediction, error) {
	shape := append([]int{x.Shape[0], 3}, x.Shape[2:]...)
	if len(x.Shape) == 4 {
		// Convolutional input keeps its spatial dimensions.
		shape = []int{x.Shape[0], 3, x.Shape[2], x.Shape[3]}
	}
	q := sparse.ZerosDense(shape...)
	for i := range q.Elements {
		q.Elements[i] = m.value
	}
	return Prediction{"surface_precip": q}, nil
}

func (m *fakeModel) PosteriorMean(pred Prediction) (map[string]*sparse.DenseArray, error) {
	out := make(map[string]*sparse.DenseArray, len(pred))
	for k, v := range pred {
		out[k] = sliceAxis(v, 1, 0)
	}
	return out, nil
}

func (m *fakeModel) PosteriorQuantiles(pred *sparse.DenseArray, quantiles []float64, key string) (*sparse.DenseArray, error) {
	shape := append([]int{pred.Shape[0], len(quantiles)}, pred.Shape[2:]...)
	out := sparse.ZerosDense(shape...)
	inner := 1
	for _, n := range shape[2:] {
		inner *= n
	}
	for s := 0; s < shape[0]; s++ {
		for qi, q := range quantiles {
			for r := 0; r < inner; r++ {
				out.Elements[(s*len(quantiles)+qi)*inner+r] = m.value * q
			}
		}
	}
	return out, nil
}

func (m *fakeModel) ProbabilityLargerThan(pred *sparse.DenseArray, y float64, key string) (*sparse.DenseArray, error) {
	out := sliceAxis(pred, 1, 0)
	for i := range out.Elements {
		out.Elements[i] = m.pop
	}
	return out, nil
}

func (m *fakeModel) Gradients(x *sparse.DenseArray, key string, target ComputeTarget) (*sparse.DenseArray, error) {
	out := x.Copy()
	for i := range out.Elements {
		out.Elements[i] = m.grad
	}
	return out, nil
}

func TestDriverNetCDF(t *testing.T) {
	input := writeFlatNetCDF(t, 10)
	model := &fakeModel{value: 3, pop: 0.8}
	driver, err := NewDriver(DriverConfig{
		Model:      model,
		Normalizer: identityNormalizer(GMI.Inputs()),
		Kind:       Retrieval0D,
		BatchSize:  4,
	})
	if err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	path, err := driver.Run(input, outDir)
	if err != nil {
		t.Fatal(err)
	}
	if driver.State() != StateWritten {
		t.Errorf("state = %v; want written", driver.State())
	}
	if filepath.Ext(path) != ".nc" {
		t.Errorf("output file = %s; want NetCDF", path)
	}

	out, err := OpenDataset(path)
	if err != nil {
		t.Fatal(err)
	}
	sp := out.Get("surface_precip")
	if sp == nil || sp.Data.Shape[0] != 10 {
		t.Fatalf("surface_precip missing or wrong shape")
	}
	if sp.Data.Elements[0] != 3 {
		t.Errorf("surface_precip = %g; want 3", sp.Data.Elements[0])
	}
	t1 := out.Get("precip_1st_tercile")
	t3 := out.Get("precip_3rd_tercile")
	if t1 == nil || t3 == nil {
		t.Fatal("tercile variables missing")
	}
	if math.Abs(t1.Data.Elements[0]-0.999) > 1e-6 || math.Abs(t3.Data.Elements[0]-2.001) > 1e-6 {
		t.Errorf("terciles = %g, %g; want 0.999, 2.001", t1.Data.Elements[0], t3.Data.Elements[0])
	}
	pop := out.Get("pop")
	if pop == nil || math.Abs(pop.Data.Elements[0]-0.8) > 1e-6 {
		t.Fatal("pop missing or wrong")
	}
	mlp := out.Get("most_likely_precip")
	if mlp == nil || mlp.Data.Elements[0] != 3 {
		t.Fatal("most_likely_precip missing or wrong")
	}
	flag := out.Get("precip_flag")
	if flag == nil || !flag.Integer {
		t.Fatal("precip_flag missing or not integer")
	}
	if flag.Data.Elements[0] != 1 {
		t.Errorf("precip_flag = %g; want 1 for pop 0.8", flag.Data.Elements[0])
	}
}

func TestDriverPreprocessorBinaryOutput(t *testing.T) {
	d := gridInput(t, GMI, 4, 3)
	input := filepath.Join(t.TempDir(), "orbit.pp")
	if err := WritePreprocessorFile(input, d, GMI, 9); err != nil {
		t.Fatal(err)
	}
	driver, err := NewDriver(DriverConfig{
		Model:      &fakeModel{value: 1, pop: 0.2},
		Normalizer: identityNormalizer(GMI.Inputs()),
		Kind:       Retrieval0D,
	})
	if err != nil {
		t.Fatal(err)
	}
	path, err := driver.Run(input, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "orbit.BIN" {
		t.Errorf("output file = %s; want orbit.BIN", filepath.Base(path))
	}
	out, err := ReadRetrievalFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Get("surface_precip").Data.Get(0, 0) != 1 {
		t.Errorf("surface_precip = %g; want 1", out.Get("surface_precip").Data.Get(0, 0))
	}
	if out.Get("precip_flag").Data.Get(0, 0) != 0 {
		t.Errorf("precip_flag = %g; want 0 for pop 0.2", out.Get("precip_flag").Data.Get(0, 0))
	}
}

// multiTargetModel adds an ice water path head and a hydrometeor
// profile to the constant surface precipitation prediction.
type multiTargetModel struct{ fakeModel }

func (m *multiTargetModel) Predict(x *sparse.DenseArray, target ComputeTarget) (Prediction, error) {
	pred, err := m.fakeModel.Predict(x, target)
	if err != nil {
		return nil, err
	}
	iwp := pred["surface_precip"].Copy()
	for i := range iwp.Elements {
		iwp.Elements[i] = 2 * m.value
	}
	pred["ice_water_path"] = iwp
	pred["rain_water_content"] = sparse.ZerosDense(x.Shape[0], 3, retrievalLayers)
	return pred, nil
}

func (m *multiTargetModel) Gradients(x *sparse.DenseArray, key string, target ComputeTarget) (*sparse.DenseArray, error) {
	g, err := m.fakeModel.Gradients(x, key, target)
	if err != nil {
		return nil, err
	}
	if key == "ice_water_path" {
		for i := range g.Elements {
			g.Elements[i] *= 2
		}
	}
	return g, nil
}

func TestDriverGradients(t *testing.T) {
	input := writeFlatNetCDF(t, 5)
	driver, err := NewDriver(DriverConfig{
		Model:      &multiTargetModel{fakeModel{value: 3, grad: 0.5}},
		Normalizer: identityNormalizer(GMI.Inputs()),
		Kind:       Retrieval0D,
		Gradients:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	path, err := driver.Run(input, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	out, err := OpenDataset(path)
	if err != nil {
		t.Fatal(err)
	}
	g := out.Get("surface_precip_grad")
	if g == nil {
		t.Fatal("gradients missing")
	}
	if g.Data.Shape[0] != 5 || g.Data.Shape[1] != GMI.Inputs() {
		t.Fatalf("gradient shape = %v", g.Data.Shape)
	}
	if g.Data.Elements[0] != 0.5 {
		t.Errorf("gradient = %g; want 0.5", g.Data.Elements[0])
	}
	iwp := out.Get("ice_water_path_grad")
	if iwp == nil {
		t.Fatal("ice water path gradients missing")
	}
	if iwp.Data.Elements[0] != 1 {
		t.Errorf("ice water path gradient = %g; want 1", iwp.Data.Elements[0])
	}
	if out.Has("rain_water_content_grad") {
		t.Error("gradients computed for a profile target")
	}
	if out.Has("pop") || out.Has("precip_1st_tercile") {
		t.Error("probabilistic products present in gradient run")
	}
}

func TestDriverGradientsRequireGradientModel(t *testing.T) {
	type meanOnly struct{ Model }
	_, err := NewDriver(DriverConfig{
		Model:      meanOnly{&fakeModel{}},
		Normalizer: identityNormalizer(GMI.Inputs()),
		Gradients:  true,
	})
	if err == nil {
		t.Error("expected error for gradient run without gradient model")
	}
}

func TestPreprocessorFailureCarriesOutput(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "failingpp")
	script := "#!/bin/sh\necho bad orbit geometry 1>&2\nexit 1\n"
	if err := os.WriteFile(exe, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	p := &CSUPreprocessor{Executable: exe}
	err := p.Run(filepath.Join(dir, "in.HDF5"), GMI, filepath.Join(dir, "out.pp"))
	if err == nil {
		t.Fatal("expected error from failing preprocessor")
	}
	if !strings.Contains(err.Error(), "bad orbit geometry") {
		t.Errorf("error %q does not carry the subprocess output", err)
	}
}

func TestLogExcerpt(t *testing.T) {
	if got := logExcerpt(nil); got != "(no output)" {
		t.Errorf("empty output excerpt = %q", got)
	}
	if got := logExcerpt([]byte("short message\n")); got != "short message" {
		t.Errorf("excerpt = %q; want %q", got, "short message")
	}
	long := strings.Repeat("x", 3000) + "tail"
	got := logExcerpt([]byte(long))
	if len(got) != 1024+3 {
		t.Errorf("excerpt length = %d; want %d", len(got), 1024+3)
	}
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "tail") {
		t.Errorf("excerpt %q does not keep the tail of the output", got)
	}
}

type failingPreprocessor struct{}

func (failingPreprocessor) Run(l1cFile string, sensor *Sensor, outputFile string) error {
	return fmt.Errorf("no such executable")
}

func TestDriverSkipsFailedPreprocessing(t *testing.T) {
	input := filepath.Join(t.TempDir(), "orbit.HDF5")
	if err := os.WriteFile(input, []byte("not really an L1C file"), 0644); err != nil {
		t.Fatal(err)
	}
	driver, err := NewDriver(DriverConfig{
		Model:        &fakeModel{},
		Normalizer:   identityNormalizer(GMI.Inputs()),
		Sensor:       "GMI",
		Preprocessor: failingPreprocessor{},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = driver.Run(input, t.TempDir())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("error = %v; want ErrSkipped", err)
	}
	if driver.State() != StateFailed {
		t.Errorf("state = %v; want failed", driver.State())
	}
}

func TestRunManyIsolatesFailures(t *testing.T) {
	good := writeFlatNetCDF(t, 4)
	skipped := filepath.Join(t.TempDir(), "orbit.HDF5")
	if err := os.WriteFile(skipped, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(t.TempDir(), "missing.nc")

	driver, err := NewDriver(DriverConfig{
		Model:        &fakeModel{value: 1, pop: 0.1},
		Normalizer:   identityNormalizer(GMI.Inputs()),
		Sensor:       "GMI",
		Preprocessor: failingPreprocessor{},
	})
	if err != nil {
		t.Fatal(err)
	}
	written, failed := driver.RunMany([]string{good, skipped, missing}, t.TempDir())
	if len(written) != 1 {
		t.Errorf("wrote %d files; want 1", len(written))
	}
	if len(failed) != 1 {
		t.Fatalf("%d failures; want 1", len(failed))
	}
	if failed[0].File != missing {
		t.Errorf("failure reported for %s; want %s", failed[0].File, missing)
	}
}
