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
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"
)

// identityNormalizer leaves every feature unchanged except the usual
// NaN handling.
func identityNormalizer(n int) *Normalizer {
	norm := &Normalizer{Min: make([]float64, n), Max: make([]float64, n)}
	for i := range norm.Min {
		norm.Min[i] = -1
		norm.Max[i] = 1
	}
	return norm
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]InputFormat{
		"orbit.pp":               FormatPreprocessor,
		"GPM.GMI.L1C.HDF5":       FormatL1C,
		"training_data.nc":       FormatNetCDF,
		"/some/dir/results.file": FormatNetCDF,
	}
	for name, want := range tests {
		if got := DetectFormat(name); got != want {
			t.Errorf("DetectFormat(%q) = %v; want %v", name, got, want)
		}
	}
}

func TestPreprocessorLoader(t *testing.T) {
	scans, pixels := 6, 4
	d := gridInput(t, GMI, scans, pixels)
	// One pixel without any valid observation.
	tb := d.Get("brightness_temperatures")
	for c := 0; c < GMI.Channels; c++ {
		tb.Data.Elements[1*GMI.Channels+c] = missingValue
	}
	path := filepath.Join(t.TempDir(), "orbit.pp")
	if err := WritePreprocessorFile(path, d, GMI, 3); err != nil {
		t.Fatal(err)
	}

	l, err := NewPreprocessorLoader(path, identityNormalizer(GMI.Inputs()), 8)
	if err != nil {
		t.Fatal(err)
	}
	// 8 samples per batch over 4-pixel scans: 2 scans per batch.
	if l.Len() != 3 {
		t.Fatalf("Len() = %d; want 3", l.Len())
	}
	x, err := l.Batch(0)
	if err != nil {
		t.Fatal(err)
	}
	if x.Shape[0] != 8 || x.Shape[1] != GMI.Inputs() {
		t.Fatalf("batch shape = %v", x.Shape)
	}
	// The invalid pixel's channel features are at the missing
	// sentinel after normalization.
	if x.Get(1, 0) != MissingFeature {
		t.Errorf("invalid channel feature = %g; want %g", x.Get(1, 0), MissingFeature)
	}

	results := NewDataset()
	sp := sparse.ZerosDense(scans * pixels)
	for i := range sp.Elements {
		sp.Elements[i] = 1
	}
	if err := results.Add("surface_precip", []string{"samples"}, sp); err != nil {
		t.Fatal(err)
	}
	out, err := l.Finalize(results)
	if err != nil {
		t.Fatal(err)
	}
	v := out.Get("surface_precip")
	if v.Data.Shape[0] != scans || v.Data.Shape[1] != pixels {
		t.Fatalf("finalized shape = %v; want [%d %d]", v.Data.Shape, scans, pixels)
	}
	if !math.IsNaN(v.Data.Get(0, 1)) {
		t.Error("retrieval for pixel without observations not masked")
	}
	if v.Data.Get(0, 0) != 1 {
		t.Errorf("valid retrieval = %g; want 1", v.Data.Get(0, 0))
	}
	if !out.Has("latitude") || !out.Has("surface_type") {
		t.Error("ancillary variables not copied into results")
	}

	resultPath, err := l.WriteRetrievalResults(t.TempDir(), out)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(resultPath) != "orbit.BIN" {
		t.Errorf("result file = %s; want orbit.BIN", filepath.Base(resultPath))
	}
	if _, err := os.Stat(resultPath); err != nil {
		t.Fatal(err)
	}
	back, err := ReadRetrievalFile(resultPath)
	if err != nil {
		t.Fatal(err)
	}
	if back.Get("surface_precip").Data.Get(1, 0) != 1 {
		t.Errorf("written retrieval = %g; want 1", back.Get("surface_precip").Data.Get(1, 0))
	}
}

func writeFlatNetCDF(t *testing.T, n int) string {
	t.Helper()
	d := flatInput(t, GMI, n)
	d.Attrs["sensor"] = "GMI"
	path := filepath.Join(t.TempDir(), "samples.nc")
	if err := WriteDataset(path, d); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNetCDFLoaderBatches(t *testing.T) {
	path := writeFlatNetCDF(t, 10)
	l, err := NewNetCDFLoader(path, identityNormalizer(GMI.Inputs()), 4)
	if err != nil {
		t.Fatal(err)
	}
	if l.Kind() != Retrieval0D {
		t.Errorf("kind = %v; want 0D", l.Kind())
	}
	if l.Len() != 3 {
		t.Fatalf("Len() = %d; want 3", l.Len())
	}
	sizes := []int{4, 4, 2}
	total := 0
	for i, want := range sizes {
		x, err := l.Batch(i)
		if err != nil {
			t.Fatal(err)
		}
		if x.Shape[0] != want {
			t.Errorf("batch %d size = %d; want %d", i, x.Shape[0], want)
		}
		total += x.Shape[0]
	}
	if total != 10 {
		t.Errorf("batches cover %d samples; want 10", total)
	}
}

func TestNetCDFLoaderFinalizeFlat(t *testing.T) {
	d := flatInput(t, GMI, 4)
	d.Attrs["sensor"] = "GMI"
	tb := d.Get("brightness_temperatures")
	for c := 0; c < GMI.Channels; c++ {
		tb.Data.Elements[2*GMI.Channels+c] = missingValue
	}
	path := filepath.Join(t.TempDir(), "samples.nc")
	if err := WriteDataset(path, d); err != nil {
		t.Fatal(err)
	}
	l, err := NewNetCDFLoader(path, identityNormalizer(GMI.Inputs()), 0)
	if err != nil {
		t.Fatal(err)
	}

	results := NewDataset()
	sp := sparse.ZerosDense(4)
	for i := range sp.Elements {
		sp.Elements[i] = 2
	}
	if err := results.Add("surface_precip", []string{"samples"}, sp); err != nil {
		t.Fatal(err)
	}
	out, err := l.Finalize(results)
	if err != nil {
		t.Fatal(err)
	}
	v := out.Get("surface_precip")
	if len(v.Data.Shape) != 1 {
		t.Fatalf("flat results gained dimensions: %v", v.Data.Shape)
	}
	if !math.IsNaN(v.Data.Elements[2]) {
		t.Error("sample without valid channels not masked")
	}
	if v.Data.Elements[0] != 2 {
		t.Errorf("valid sample = %g; want 2", v.Data.Elements[0])
	}
}

func TestNetCDFLoaderFinalizeScene(t *testing.T) {
	samples, scans, pixels := 2, 2, 3
	d := NewDataset()
	d.Attrs["sensor"] = "GMI"
	tb := sparse.ZerosDense(samples, scans, pixels, GMI.Channels)
	for i := range tb.Elements {
		tb.Elements[i] = 250
	}
	if err := d.Add("brightness_temperatures",
		[]string{"samples", "scans", "pixels", "channels"}, tb); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"earth_incidence_angle", "two_meter_temperature",
		"total_column_water_vapor", "surface_type", "airmass_type"} {
		a := sparse.ZerosDense(samples, scans, pixels)
		for i := range a.Elements {
			a.Elements[i] = 1
		}
		if err := d.Add(name, []string{"samples", "scans", "pixels"}, a); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "scenes.nc")
	if err := WriteDataset(path, d); err != nil {
		t.Fatal(err)
	}

	l, err := NewNetCDFLoader(path, identityNormalizer(GMI.Inputs()), 0)
	if err != nil {
		t.Fatal(err)
	}
	results := NewDataset()
	sp := sparse.ZerosDense(samples * scans * pixels)
	for i := range sp.Elements {
		sp.Elements[i] = float64(i)
	}
	if err := results.Add("surface_precip", []string{"samples"}, sp); err != nil {
		t.Fatal(err)
	}
	out, err := l.Finalize(results)
	if err != nil {
		t.Fatal(err)
	}
	v := out.Get("surface_precip")
	want := []int{samples, scans, pixels}
	for i, n := range want {
		if v.Data.Shape[i] != n {
			t.Fatalf("finalized shape = %v; want %v", v.Data.Shape, want)
		}
	}
	if v.Data.Get(1, 0, 2) != float64(scans*pixels+2) {
		t.Errorf("unstacked element = %g; want %d", v.Data.Get(1, 0, 2), scans*pixels+2)
	}
}

func TestNetCDFLoaderFinalizeSingleScene(t *testing.T) {
	scans, pixels := 4, 3
	d := NewDataset()
	d.Attrs["sensor"] = "GMI"
	tb := sparse.ZerosDense(scans, pixels, GMI.Channels)
	for i := range tb.Elements {
		tb.Elements[i] = 250
	}
	if err := d.Add("brightness_temperatures",
		[]string{"scans", "pixels", "channels"}, tb); err != nil {
		t.Fatal(err)
	}
	for i, name := range []string{"latitude", "longitude", "two_meter_temperature",
		"total_column_water_vapor", "surface_type", "airmass_type"} {
		a := sparse.ZerosDense(scans, pixels)
		for j := range a.Elements {
			a.Elements[j] = float64(i + 1)
		}
		if err := d.Add(name, []string{"scans", "pixels"}, a); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "orbit.nc")
	if err := WriteDataset(path, d); err != nil {
		t.Fatal(err)
	}

	l, err := NewNetCDFLoader(path, identityNormalizer(GMI.Inputs()), 0)
	if err != nil {
		t.Fatal(err)
	}
	results := NewDataset()
	sp := sparse.ZerosDense(scans * pixels)
	for i := range sp.Elements {
		sp.Elements[i] = float64(i)
	}
	if err := results.Add("surface_precip", []string{"samples"}, sp); err != nil {
		t.Fatal(err)
	}
	out, err := l.Finalize(results)
	if err != nil {
		t.Fatal(err)
	}
	v := out.Get("surface_precip")
	if len(v.Dims) != 2 || v.Dims[0] != "scans" || v.Dims[1] != "pixels" {
		t.Fatalf("finalized dims = %v; want [scans pixels]", v.Dims)
	}
	if v.Data.Shape[0] != scans || v.Data.Shape[1] != pixels {
		t.Fatalf("finalized shape = %v; want [%d %d]", v.Data.Shape, scans, pixels)
	}
	if v.Data.Get(1, 2) != float64(pixels+2) {
		t.Errorf("unstacked element = %g; want %d", v.Data.Get(1, 2), pixels+2)
	}
	lat := out.Get("latitude")
	if lat == nil {
		t.Fatal("latitude not carried into finalized output")
	}
	if lat.Data.Get(0, 0) != 1 {
		t.Errorf("latitude = %g; want 1", lat.Data.Get(0, 0))
	}
}

func writeSceneNetCDF(t *testing.T, samples, scans, pixels int, source []float64) string {
	t.Helper()
	d := NewDataset()
	d.Attrs["sensor"] = "GMI"
	tb := sparse.ZerosDense(samples, scans, pixels, GMI.Channels)
	for i := range tb.Elements {
		tb.Elements[i] = 250
	}
	if err := d.Add("brightness_temperatures",
		[]string{"samples", "scans", "pixels", "channels"}, tb); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"two_meter_temperature", "total_column_water_vapor",
		"surface_type", "airmass_type"} {
		a := sparse.ZerosDense(samples, scans, pixels)
		for i := range a.Elements {
			a.Elements[i] = 1
		}
		if err := d.Add(name, []string{"samples", "scans", "pixels"}, a); err != nil {
			t.Fatal(err)
		}
	}
	if source != nil {
		a := sparse.ZerosDense(samples)
		copy(a.Elements, source)
		if err := d.AddInt("source", []string{"samples"}, a); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "scenes.nc")
	if err := WriteDataset(path, d); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNetCDFGridLoader(t *testing.T) {
	samples, scans, pixels := 2, 17, 17
	path := writeSceneNetCDF(t, samples, scans, pixels, nil)
	nf := GMI.Channels + 2 + surfaceClasses + airmassClasses
	l, err := NewNetCDFGridLoader(path, identityNormalizer(nf), 0)
	if err != nil {
		t.Fatal(err)
	}
	if l.Kind() != Retrieval2D {
		t.Errorf("kind = %v; want 2D", l.Kind())
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", l.Len())
	}
	x, err := l.Batch(0)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{samples, nf, 32, 32}
	for i, n := range want {
		if x.Shape[i] != n {
			t.Fatalf("batch shape = %v; want %v", x.Shape, want)
		}
	}

	results := NewDataset()
	sp := sparse.ZerosDense(samples, 32, 32)
	for i := range sp.Elements {
		sp.Elements[i] = float64(i % 13)
	}
	if err := results.Add("surface_precip",
		[]string{"samples", "scans_padded", "pixels_padded"}, sp); err != nil {
		t.Fatal(err)
	}
	rwc := sparse.ZerosDense(samples, retrievalLayers, 32, 32)
	if err := results.Add("rain_water_content",
		[]string{"samples", "layers", "scans_padded", "pixels_padded"}, rwc); err != nil {
		t.Fatal(err)
	}
	out, err := l.Finalize(results)
	if err != nil {
		t.Fatal(err)
	}
	v := out.Get("surface_precip")
	if v.Data.Shape[1] != scans || v.Data.Shape[2] != pixels {
		t.Fatalf("cropped shape = %v; want [.. %d %d]", v.Data.Shape, scans, pixels)
	}
	// The padding is 7/8 on each side; the cropped origin maps to
	// padded cell (7, 7).
	if v.Data.Get(0, 0, 0) != sp.Get(0, 7, 7) {
		t.Errorf("cropped origin = %g; want %g", v.Data.Get(0, 0, 0), sp.Get(0, 7, 7))
	}
	p := out.Get("rain_water_content")
	wantShape := []int{samples, scans, pixels, retrievalLayers}
	for i, n := range wantShape {
		if p.Data.Shape[i] != n {
			t.Fatalf("profile shape = %v; want %v", p.Data.Shape, wantShape)
		}
	}
}

func TestSimulatorLoader(t *testing.T) {
	samples, scans, pixels := 4, 4, 4
	path := writeSceneNetCDF(t, samples, scans, pixels, []float64{0, 1, 0, 1})
	nf := GMI.Channels + 2 + surfaceClasses + airmassClasses
	l, err := NewSimulatorLoader(path, identityNormalizer(nf), 0)
	if err != nil {
		t.Fatal(err)
	}
	x, err := l.Batch(0)
	if err != nil {
		t.Fatal(err)
	}
	// Only the two scenes with source flag zero are retrieved.
	if x.Shape[0] != 2 {
		t.Fatalf("batch holds %d scenes; want 2", x.Shape[0])
	}

	results := NewDataset()
	sim := sparse.ZerosDense(2, GMI.Channels, 32, 32)
	for i := range sim.Elements {
		sim.Elements[i] = 5
	}
	if err := results.Add("simulated_brightness_temperatures",
		[]string{"samples", "sim_channels", "scans_padded", "pixels_padded"}, sim); err != nil {
		t.Fatal(err)
	}
	out, err := l.Finalize(results)
	if err != nil {
		t.Fatal(err)
	}
	v := out.Get("simulated_brightness_temperatures")
	wantShape := []int{samples, scans, pixels, GMI.Channels}
	for i, n := range wantShape {
		if v.Data.Shape[i] != n {
			t.Fatalf("finalized shape = %v; want %v", v.Data.Shape, wantShape)
		}
	}
	for _, s := range []int{0, 2} {
		if v.Data.Get(s, 1, 1, 0) != 5 {
			t.Errorf("retrieved scene %d = %g; want 5", s, v.Data.Get(s, 1, 1, 0))
		}
	}
	for _, s := range []int{1, 3} {
		if !math.IsNaN(v.Data.Get(s, 1, 1, 0)) {
			t.Errorf("skipped scene %d = %g; want NaN", s, v.Data.Get(s, 1, 1, 0))
		}
	}
	// The input variables survive in the output.
	if !out.Has("brightness_temperatures") {
		t.Error("input variables missing from simulator output")
	}
}
