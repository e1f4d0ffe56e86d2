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
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/ctessum/sparse"
)

// InputFormat identifies the on-disk format of a retrieval input file.
type InputFormat int

const (
	FormatNetCDF InputFormat = iota
	FormatPreprocessor
	FormatL1C
)

func (f InputFormat) String() string {
	switch f {
	case FormatPreprocessor:
		return "preprocessor"
	case FormatL1C:
		return "L1C"
	default:
		return "NetCDF"
	}
}

// DetectFormat determines the input format from the file name. L1C
// files must first be run through the external preprocessor before they
// can be loaded.
func DetectFormat(filename string) InputFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pp":
		return FormatPreprocessor
	case ".hdf5":
		return FormatL1C
	default:
		return FormatNetCDF
	}
}

// RetrievalKind distinguishes retrievals over independent flattened
// observations from retrievals over whole scan/pixel scenes. The kind
// is an explicit property of each loader rather than something inferred
// from tensor ranks downstream.
type RetrievalKind int

const (
	Retrieval0D RetrievalKind = iota
	Retrieval2D
)

func (k RetrievalKind) String() string {
	if k == Retrieval2D {
		return "2D"
	}
	return "0D"
}

// Default batch sizes, in flattened observations for 0D retrievals and
// in scenes for 2D retrievals.
const (
	defaultBatch0D      = 16 * 1024
	defaultBatchPreproc = 8 * 1024
	defaultBatch2D      = 8
)

// InputLoader adapts one input file format to the retrieval: it splits
// the observations into batches of network input and restores the
// native geometry of the results afterwards.
type InputLoader interface {
	// Sensor is the instrument the input data was recorded by.
	Sensor() *Sensor

	// Kind reports whether the loader feeds a 0D or a 2D retrieval.
	Kind() RetrievalKind

	// Len is the number of batches.
	Len() int

	// Batch returns the normalized network input for batch i.
	Batch(i int) (*sparse.DenseArray, error)

	// Dimensions names the per-observation output dimensions of a
	// retrieval target, excluding the leading batch axis.
	Dimensions(target string) []string

	// Finalize restores the native geometry of the accumulated
	// results and attaches ancillary variables.
	Finalize(results *Dataset) (*Dataset, error)
}

// ResultWriter is implemented by loaders whose results are written in
// the legacy binary format rather than NetCDF.
type ResultWriter interface {
	// WriteRetrievalResults stores finalized results in dir and
	// returns the path of the written file.
	WriteRetrievalResults(dir string, results *Dataset) (string, error)
}

// dataProvider is implemented by loaders that can expose their input
// data, used to copy ancillary variables into NetCDF output.
type dataProvider interface {
	Data() *Dataset
}

// PreprocessorLoader feeds preprocessor files to the 0D retrieval.
type PreprocessorLoader struct {
	file    *PreprocessorFile
	data    *Dataset
	codec   *Codec
	norm    *Normalizer
	batches Batches
	pixels  int
}

// NewPreprocessorLoader opens a preprocessor file for the 0D retrieval.
// A batchSize of zero selects the default. Batches are whole scan
// lines; batchSize is rounded down to a multiple of the scan width.
func NewPreprocessorLoader(filename string, norm *Normalizer, batchSize int) (*PreprocessorLoader, error) {
	f, err := OpenPreprocessorFile(filename)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchPreproc
	}
	scansPerBatch := batchSize / f.NPixels()
	if scansPerBatch < 1 {
		scansPerBatch = 1
	}
	return &PreprocessorLoader{
		file:    f,
		data:    f.Dataset(),
		codec:   &Codec{Sensor: f.Sensor()},
		norm:    norm,
		batches: NewBatches(f.NScans(), scansPerBatch),
		pixels:  f.NPixels(),
	}, nil
}

func (p *PreprocessorLoader) Sensor() *Sensor     { return p.file.Sensor() }
func (p *PreprocessorLoader) Kind() RetrievalKind { return Retrieval0D }
func (p *PreprocessorLoader) Len() int            { return p.batches.Len() }
func (p *PreprocessorLoader) Data() *Dataset      { return p.data }

func (p *PreprocessorLoader) Batch(i int) (*sparse.DenseArray, error) {
	start, end, err := p.batches.Range(i)
	if err != nil {
		return nil, err
	}
	x, err := p.codec.EncodeSamples(p.data, "brightness_temperatures", start*p.pixels, end*p.pixels)
	if err != nil {
		return nil, err
	}
	return p.norm.Apply(x), nil
}

func (p *PreprocessorLoader) Dimensions(target string) []string {
	if IsProfileTarget(target) {
		return []string{"layers"}
	}
	return nil
}

// Finalize masks observations without any valid brightness temperature
// and folds the flattened samples back onto the scan/pixel grid.
func (p *PreprocessorLoader) Finalize(results *Dataset) (*Dataset, error) {
	tb := p.data.Get("brightness_temperatures")
	nch := tb.Data.Shape[len(tb.Data.Shape)-1]
	samples := len(tb.Data.Elements) / nch
	invalid := make([]bool, samples)
	for s := range invalid {
		invalid[s] = true
		for c := 0; c < nch; c++ {
			if tb.Data.Elements[s*nch+c] >= 0 {
				invalid[s] = false
				break
			}
		}
	}
	if err := maskSamples(results, invalid); err != nil {
		return nil, err
	}
	out, err := UnstackSamples(results, "samples",
		[]string{"scans", "pixels"}, []int{p.file.NScans(), p.pixels})
	if err != nil {
		return nil, err
	}
	copyAncillary(out, p.data)
	return out, nil
}

// WriteRetrievalResults stores finalized results in the legacy binary
// format next to files the legacy retrieval would produce.
func (p *PreprocessorLoader) WriteRetrievalResults(dir string, results *Dataset) (string, error) {
	return writeBinaryResults(dir, p.file, results)
}

// PreprocessorGridLoader feeds a whole preprocessor orbit to the 2D
// retrieval as a single padded scene.
type PreprocessorGridLoader struct {
	file    *PreprocessorFile
	data    *Dataset
	norm    *Normalizer
	padding Padding
	input   *sparse.DenseArray
}

// NewPreprocessorGridLoader opens a preprocessor file for the 2D
// retrieval.
func NewPreprocessorGridLoader(filename string, norm *Normalizer) (*PreprocessorGridLoader, error) {
	f, err := OpenPreprocessorFile(filename)
	if err != nil {
		return nil, err
	}
	data := f.Dataset()
	codec := &Codec{Sensor: f.Sensor()}
	x, err := codec.EncodeGrid(data, "brightness_temperatures")
	if err != nil {
		return nil, err
	}
	p := PaddingFor(f.NScans(), f.NPixels(), PaddingStride)
	return &PreprocessorGridLoader{
		file:    f,
		data:    data,
		norm:    norm,
		padding: p,
		input:   norm.Apply(p.Apply(x)),
	}, nil
}

func (p *PreprocessorGridLoader) Sensor() *Sensor     { return p.file.Sensor() }
func (p *PreprocessorGridLoader) Kind() RetrievalKind { return Retrieval2D }
func (p *PreprocessorGridLoader) Len() int            { return 1 }
func (p *PreprocessorGridLoader) Data() *Dataset      { return p.data }

func (p *PreprocessorGridLoader) Batch(i int) (*sparse.DenseArray, error) {
	if i != 0 {
		return nil, fmt.Errorf("gprofnn: batch %d out of [0, 1)", i)
	}
	return p.input, nil
}

func (p *PreprocessorGridLoader) Dimensions(target string) []string {
	if IsProfileTarget(target) {
		return []string{"layers", "scans_padded", "pixels_padded"}
	}
	return []string{"scans_padded", "pixels_padded"}
}

// Finalize crops the spatial padding, drops the single-scene batch
// axis, and moves profile layers behind the spatial dimensions.
func (p *PreprocessorGridLoader) Finalize(results *Dataset) (*Dataset, error) {
	out := NewDataset()
	for k, v := range results.Attrs {
		out.Attrs[k] = v
	}
	for _, name := range results.Names() {
		v := results.Get(name)
		a, err := p.padding.Invert(sliceAxis(v.Data, 0, 0))
		if err != nil {
			return nil, fmt.Errorf("gprofnn: cropping %s: %v", name, err)
		}
		dims := []string{"scans", "pixels"}
		if IsProfileTarget(name) {
			a = transpose(a, []int{1, 2, 0})
			dims = []string{"scans", "pixels", "layers"}
		}
		if err := out.add(name, dims, a, v.Integer); err != nil {
			return nil, err
		}
	}
	copyAncillary(out, p.data)
	return out, nil
}

func (p *PreprocessorGridLoader) WriteRetrievalResults(dir string, results *Dataset) (string, error) {
	return writeBinaryResults(dir, p.file, results)
}

// NetCDFLoader feeds NetCDF input files to the 0D retrieval. Files with
// scan/pixel geometry are flattened for batching and restored on
// finalization; files holding plain sample tables stay flat.
type NetCDFLoader struct {
	filename string
	sensor   *Sensor
	data     *Dataset
	input    *sparse.DenseArray
	batches  Batches
	scene    bool
	geometry []int
	geomDims []string
}

// NewNetCDFLoader opens a NetCDF input file for the 0D retrieval. The
// sensor is read from the file's sensor attribute. A batchSize of zero
// selects the default.
func NewNetCDFLoader(filename string, norm *Normalizer, batchSize int) (*NetCDFLoader, error) {
	data, err := OpenDataset(filename)
	if err != nil {
		return nil, err
	}
	sensor, err := SensorByName(data.Attrs["sensor"])
	if err != nil {
		return nil, fmt.Errorf("gprofnn: %s: %v", filename, err)
	}
	codec := &Codec{Sensor: sensor}
	tb := data.Get("brightness_temperatures")
	if tb == nil {
		return nil, fmt.Errorf("gprofnn: %s has no variable brightness_temperatures", filename)
	}
	samples := 1
	for _, n := range tb.Data.Shape[:len(tb.Data.Shape)-1] {
		samples *= n
	}
	x, err := codec.EncodeSamples(data, "brightness_temperatures", 0, samples)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatch0D
	}
	l := &NetCDFLoader{
		filename: filename,
		sensor:   sensor,
		data:     data,
		input:    norm.Apply(x),
		batches:  NewBatches(samples, batchSize),
	}
	if data.HasDim("scans") {
		l.scene = true
		l.geometry = append([]int{}, tb.Data.Shape[:len(tb.Data.Shape)-1]...)
		l.geomDims = append([]string{}, tb.Dims[:len(tb.Dims)-1]...)
	}
	return l, nil
}

func (l *NetCDFLoader) Sensor() *Sensor     { return l.sensor }
func (l *NetCDFLoader) Kind() RetrievalKind { return Retrieval0D }
func (l *NetCDFLoader) Len() int            { return l.batches.Len() }
func (l *NetCDFLoader) Data() *Dataset      { return l.data }

func (l *NetCDFLoader) Batch(i int) (*sparse.DenseArray, error) {
	start, end, err := l.batches.Range(i)
	if err != nil {
		return nil, err
	}
	return rowsRange(l.input, start, end), nil
}

func (l *NetCDFLoader) Dimensions(target string) []string {
	if IsProfileTarget(target) {
		return []string{"layers"}
	}
	return nil
}

// Finalize masks observations whose channel features are all at the
// missing sentinel and, for scene files, folds the flattened samples
// back onto their recorded geometry.
func (l *NetCDFLoader) Finalize(results *Dataset) (*Dataset, error) {
	nf := l.input.Shape[1]
	nch := l.sensor.Channels
	samples := l.input.Shape[0]
	invalid := make([]bool, samples)
	for s := range invalid {
		invalid[s] = true
		for c := 0; c < nch; c++ {
			if l.input.Elements[s*nf+c] > MissingFeature {
				invalid[s] = false
				break
			}
		}
	}
	if err := maskSamples(results, invalid); err != nil {
		return nil, err
	}
	out := results
	if l.scene {
		var err error
		out, err = UnstackSamples(results, "samples", l.geomDims, l.geometry)
		if err != nil {
			return nil, err
		}
	}
	copyAncillary(out, l.data)
	return out, nil
}

// NetCDFGridLoader feeds NetCDF scene files to the 2D retrieval in
// batches of padded scenes.
type NetCDFGridLoader struct {
	filename string
	sensor   *Sensor
	data     *Dataset
	input    *sparse.DenseArray
	batches  Batches
	padding  Padding
}

// NewNetCDFGridLoader opens a NetCDF scene file for the 2D retrieval. A
// batchSize of zero selects the default.
func NewNetCDFGridLoader(filename string, norm *Normalizer, batchSize int) (*NetCDFGridLoader, error) {
	data, err := OpenDataset(filename)
	if err != nil {
		return nil, err
	}
	sensor, err := SensorByName(data.Attrs["sensor"])
	if err != nil {
		return nil, fmt.Errorf("gprofnn: %s: %v", filename, err)
	}
	codec := &Codec{Sensor: sensor}
	x, err := codec.EncodeGrid(data, "brightness_temperatures")
	if err != nil {
		return nil, err
	}
	p := PaddingFor(x.Shape[2], x.Shape[3], PaddingStride)
	if batchSize <= 0 {
		batchSize = defaultBatch2D
	}
	return &NetCDFGridLoader{
		filename: filename,
		sensor:   sensor,
		data:     data,
		input:    norm.Apply(p.Apply(x)),
		batches:  NewBatches(x.Shape[0], batchSize),
		padding:  p,
	}, nil
}

func (l *NetCDFGridLoader) Sensor() *Sensor     { return l.sensor }
func (l *NetCDFGridLoader) Kind() RetrievalKind { return Retrieval2D }
func (l *NetCDFGridLoader) Len() int            { return l.batches.Len() }
func (l *NetCDFGridLoader) Data() *Dataset      { return l.data }

func (l *NetCDFGridLoader) Batch(i int) (*sparse.DenseArray, error) {
	start, end, err := l.batches.Range(i)
	if err != nil {
		return nil, err
	}
	return rowsRange(l.input, start, end), nil
}

func (l *NetCDFGridLoader) Dimensions(target string) []string {
	if IsProfileTarget(target) {
		return []string{"layers", "scans_padded", "pixels_padded"}
	}
	return []string{"scans_padded", "pixels_padded"}
}

// Finalize crops the spatial padding of every result and moves profile
// layers behind the spatial dimensions.
func (l *NetCDFGridLoader) Finalize(results *Dataset) (*Dataset, error) {
	out := NewDataset()
	for k, v := range results.Attrs {
		out.Attrs[k] = v
	}
	for _, name := range results.Names() {
		v := results.Get(name)
		a, err := l.padding.Invert(v.Data)
		if err != nil {
			return nil, fmt.Errorf("gprofnn: cropping %s: %v", name, err)
		}
		dims := []string{"samples", "scans", "pixels"}
		if IsProfileTarget(name) {
			a = transpose(a, []int{0, 2, 3, 1})
			dims = []string{"samples", "scans", "pixels", "layers"}
		}
		if err := out.add(name, dims, a, v.Integer); err != nil {
			return nil, err
		}
	}
	copyAncillary(out, l.data)
	return out, nil
}

// SimulatorLoader feeds training scenes to the simulator network, which
// predicts simulated brightness temperatures and biases for scenes
// derived from GMI observations. Only scenes with a zero source flag
// carry real observations; the remaining scenes stay missing in the
// output.
type SimulatorLoader struct {
	filename string
	sensor   *Sensor
	data     *Dataset
	input    *sparse.DenseArray
	batches  Batches
	padding  Padding
	kept     []int
	scenes   int
}

// NewSimulatorLoader opens a NetCDF training file for the simulator.
// For sensors other than GMI the co-located GMI observations are used
// as network input. A batchSize of zero selects the default.
func NewSimulatorLoader(filename string, norm *Normalizer, batchSize int) (*SimulatorLoader, error) {
	data, err := OpenDataset(filename)
	if err != nil {
		return nil, err
	}
	sensor, err := SensorByName(data.Attrs["sensor"])
	if err != nil {
		return nil, fmt.Errorf("gprofnn: %s: %v", filename, err)
	}
	tbVar := "brightness_temperatures"
	if sensor != GMI {
		tbVar = "brightness_temperatures_gmi"
	}
	src := data.Get("source")
	if src == nil {
		return nil, fmt.Errorf("gprofnn: %s has no variable source", filename)
	}
	scenes := len(src.Data.Elements)
	var kept []int
	for s, v := range src.Data.Elements {
		if v == 0 {
			kept = append(kept, s)
		}
	}

	subset := subsetScenes(data, tbVar, kept)
	codec := &Codec{Sensor: GMI}
	x, err := codec.EncodeGrid(subset, tbVar)
	if err != nil {
		return nil, err
	}
	p := PaddingFor(x.Shape[2], x.Shape[3], PaddingStride)
	if batchSize <= 0 {
		batchSize = defaultBatch2D
	}
	return &SimulatorLoader{
		filename: filename,
		sensor:   sensor,
		data:     data,
		input:    norm.Apply(p.Apply(x)),
		batches:  NewBatches(len(kept), batchSize),
		padding:  p,
		kept:     kept,
		scenes:   scenes,
	}, nil
}

// subsetScenes selects the given leading-axis indices of the brightness
// temperature variable and the ancillary variables the grid encoding
// needs.
func subsetScenes(data *Dataset, tbVar string, kept []int) *Dataset {
	out := NewDataset()
	for _, name := range []string{tbVar, "two_meter_temperature",
		"total_column_water_vapor", "surface_type", "airmass_type"} {
		v := data.Get(name)
		if v == nil {
			continue
		}
		inner := 1
		for _, n := range v.Data.Shape[1:] {
			inner *= n
		}
		shape := append([]int{len(kept)}, v.Data.Shape[1:]...)
		a := sparse.ZerosDense(shape...)
		for i, s := range kept {
			copy(a.Elements[i*inner:(i+1)*inner], v.Data.Elements[s*inner:(s+1)*inner])
		}
		if err := out.add(name, v.Dims, a, v.Integer); err != nil {
			panic(err) // subsetting preserves dimension consistency
		}
	}
	return out
}

func (l *SimulatorLoader) Sensor() *Sensor     { return l.sensor }
func (l *SimulatorLoader) Kind() RetrievalKind { return Retrieval2D }
func (l *SimulatorLoader) Len() int            { return l.batches.Len() }
func (l *SimulatorLoader) Data() *Dataset      { return l.data }

func (l *SimulatorLoader) Batch(i int) (*sparse.DenseArray, error) {
	start, end, err := l.batches.Range(i)
	if err != nil {
		return nil, err
	}
	return rowsRange(l.input, start, end), nil
}

func (l *SimulatorLoader) Dimensions(target string) []string {
	if target == "simulated_brightness_temperatures" {
		return []string{"sim_channels", "scans_padded", "pixels_padded"}
	}
	return []string{"bias_channels", "scans_padded", "pixels_padded"}
}

// Finalize crops the padding, moves channels behind the spatial
// dimensions, splits simulated brightness temperatures of cross-track
// sensors into their viewing angles, and scatters the retrieved scenes
// back among the scenes that were skipped, which stay NaN. The output
// is the input dataset extended by the simulator predictions.
func (l *SimulatorLoader) Finalize(results *Dataset) (*Dataset, error) {
	out := l.data.Copy()
	for _, name := range results.Names() {
		v := results.Get(name)
		a, err := l.padding.Invert(v.Data)
		if err != nil {
			return nil, fmt.Errorf("gprofnn: cropping %s: %v", name, err)
		}
		h := a.Shape[2]
		w := a.Shape[3]
		dims := []string{"samples", "scans", "pixels", "channels"}
		angles := 0
		if name == "simulated_brightness_temperatures" && l.sensor.CrossTrack() {
			angles = l.sensor.Angles
			a = reshape(a, a.Shape[0], angles, a.Shape[1]/angles, h, w)
			a = transpose(a, []int{0, 3, 4, 1, 2})
			dims = []string{"samples", "scans", "pixels", "angles", "channels"}
		} else {
			a = transpose(a, []int{0, 2, 3, 1})
		}

		shape := append([]int{l.scenes}, a.Shape[1:]...)
		full := sparse.ZerosDense(shape...)
		for i := range full.Elements {
			full.Elements[i] = math.NaN()
		}
		inner := 1
		for _, n := range a.Shape[1:] {
			inner *= n
		}
		for i, s := range l.kept {
			copy(full.Elements[s*inner:(s+1)*inner], a.Elements[i*inner:(i+1)*inner])
		}
		if err := out.add(name, dims, full, v.Integer); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ancillaryVars are copied from the input data into finalized results
// when present.
var ancillaryVars = []string{
	"latitude",
	"longitude",
	"total_column_water_vapor",
	"two_meter_temperature",
	"surface_type",
	"airmass_type",
}

func copyAncillary(out, data *Dataset) {
	for _, name := range ancillaryVars {
		if out.Has(name) {
			continue
		}
		v := data.Get(name)
		if v == nil {
			continue
		}
		fits := true
		for i, dim := range v.Dims {
			if n, ok := out.Dims[dim]; ok && n != v.Data.Shape[i] {
				fits = false
				break
			}
		}
		if !fits {
			continue
		}
		if err := out.add(name, v.Dims, v.Data, v.Integer); err != nil {
			continue
		}
	}
}

func writeBinaryResults(dir string, f *PreprocessorFile, results *Dataset) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(f.filename), filepath.Ext(f.filename))
	path := filepath.Join(dir, stem+".BIN")
	if err := WriteRetrievalFile(path, results, f.Sensor(), f.Granule()); err != nil {
		return "", err
	}
	return path, nil
}

// reshape reinterprets a with a new shape of the same total size.
func reshape(a *sparse.DenseArray, shape ...int) *sparse.DenseArray {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(a.Elements) {
		panic(fmt.Errorf("gprofnn: cannot reshape %v to %v", a.Shape, shape))
	}
	out := sparse.ZerosDense(shape...)
	copy(out.Elements, a.Elements)
	return out
}
