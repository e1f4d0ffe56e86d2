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

	"github.com/ctessum/sparse"
)

// Brightness temperatures outside this range are physically impossible
// and treated as missing.
const (
	validTBMin = 0.0
	validTBMax = 500.0
)

// Codec converts between structured geophysical records and the dense
// feature tensors consumed by the retrieval networks, and restores the
// native scan/pixel geometry of predictions that were flattened for
// batching.
type Codec struct {
	Sensor *Sensor
}

// EncodeSamples encodes the observations in [start, end) along the
// flattened sample axis of data into feature vectors of width
// c.Sensor.Inputs(). The sample axis is the product of all dimensions
// of the brightness temperature variable except the trailing channel
// dimension.
//
// Channel values outside [0, 500] and negative ancillary scalars become
// NaN. Cross-track sensors contribute an earth incidence angle slot
// between the channels and the ancillary scalars, which shifts all
// subsequent feature offsets by one.
func (c *Codec) EncodeSamples(data *Dataset, tbVar string, start, end int) (*sparse.DenseArray, error) {
	tb := data.Get(tbVar)
	if tb == nil {
		return nil, fmt.Errorf("gprofnn: input data has no variable %s", tbVar)
	}
	shape := tb.Data.Shape
	nch := shape[len(shape)-1]
	if nch < c.Sensor.Channels {
		return nil, fmt.Errorf("gprofnn: %s has %d channels; %s needs %d",
			tbVar, nch, c.Sensor.Name, c.Sensor.Channels)
	}
	samples := 1
	for _, n := range shape[:len(shape)-1] {
		samples *= n
	}
	if start < 0 || end < start || end > samples {
		return nil, fmt.Errorf("gprofnn: sample range [%d, %d) out of [0, %d)", start, end, samples)
	}

	t2m, err := scalarVar(data, "two_meter_temperature", samples)
	if err != nil {
		return nil, err
	}
	tcwv, err := scalarVar(data, "total_column_water_vapor", samples)
	if err != nil {
		return nil, err
	}
	st, err := scalarVar(data, "surface_type", samples)
	if err != nil {
		return nil, err
	}
	am, err := scalarVar(data, "airmass_type", samples)
	if err != nil {
		return nil, err
	}
	var eia []float64
	if c.Sensor.CrossTrack() {
		eia, err = scalarVar(data, "earth_incidence_angle", samples)
		if err != nil {
			return nil, err
		}
	}

	n := end - start
	nf := c.Sensor.Inputs()
	x := sparse.ZerosDense(n, nf)
	for i := 0; i < n; i++ {
		s := start + i
		row := i * nf
		for j := 0; j < c.Sensor.Channels; j++ {
			v := tb.Data.Elements[s*nch+j]
			if v < validTBMin || v > validTBMax {
				v = math.NaN()
			}
			x.Elements[row+j] = v
		}
		col := c.Sensor.Channels
		if eia != nil {
			x.Elements[row+col] = eia[s]
			col++
		}
		if v := t2m[s]; v < 0 {
			x.Elements[row+col] = math.NaN()
		} else {
			x.Elements[row+col] = v
		}
		if v := tcwv[s]; v < 0 {
			x.Elements[row+col+1] = math.NaN()
		} else {
			x.Elements[row+col+1] = v
		}
		// Surface types are coded 1..18; codes outside the range
		// leave the encoding all-zero. Kept as in the operational
		// algorithm, pending domain review of whether all-zero is
		// meant to represent an unknown surface.
		if code := int(st[s]); code >= 1 && code <= surfaceClasses {
			x.Elements[row+col+2+code-1] = 1
		}
		// Airmass types are coded 0..3 with 0 also standing in for
		// unclassified (negative) values.
		code := int(am[s])
		if code < 0 {
			code = 0
		}
		if code < airmassClasses {
			x.Elements[row+col+2+surfaceClasses+code] = 1
		}
	}
	return x, nil
}

// EncodeGrid encodes a whole scene for the convolutional retrieval,
// producing a rank-4 tensor of shape [samples, features, scans,
// pixels]. Inputs of rank 3 (scans, pixels, channels) gain a
// single-element sample dimension. The convolutional retrieval never
// uses the incidence angle, so the feature axis is channels + 2
// ancillary scalars + the two one-hot encodings regardless of scanner
// geometry.
func (c *Codec) EncodeGrid(data *Dataset, tbVar string) (*sparse.DenseArray, error) {
	tb := data.Get(tbVar)
	if tb == nil {
		return nil, fmt.Errorf("gprofnn: input data has no variable %s", tbVar)
	}
	shape := tb.Data.Shape
	if len(shape) != 3 && len(shape) != 4 {
		return nil, fmt.Errorf("gprofnn: %s has rank %d; grid encoding needs (scans, pixels, channels) or (samples, scans, pixels, channels)", tbVar, len(shape))
	}
	samples := 1
	if len(shape) == 4 {
		samples = shape[0]
	}
	scans := shape[len(shape)-3]
	pixels := shape[len(shape)-2]
	nch := shape[len(shape)-1]
	cells := samples * scans * pixels

	t2m, err := scalarVar(data, "two_meter_temperature", cells)
	if err != nil {
		return nil, err
	}
	tcwv, err := scalarVar(data, "total_column_water_vapor", cells)
	if err != nil {
		return nil, err
	}
	st, err := scalarVar(data, "surface_type", cells)
	if err != nil {
		return nil, err
	}
	am, err := scalarVar(data, "airmass_type", cells)
	if err != nil {
		return nil, err
	}

	nf := nch + 2 + surfaceClasses + airmassClasses
	x := sparse.ZerosDense(samples, nf, scans, pixels)
	plane := scans * pixels
	for s := 0; s < cells; s++ {
		sample := s / plane
		cell := s % plane
		base := (sample*nf)*plane + cell
		for j := 0; j < nch; j++ {
			v := tb.Data.Elements[s*nch+j]
			if v < validTBMin || v > validTBMax {
				v = math.NaN()
			}
			x.Elements[base+j*plane] = v
		}
		x.Elements[base+nch*plane] = t2m[s]
		x.Elements[base+(nch+1)*plane] = tcwv[s]
		if code := int(st[s]); code >= 1 && code <= surfaceClasses {
			x.Elements[base+(nch+2+code-1)*plane] = 1
		}
		code := int(am[s])
		if code < 0 {
			code = 0
		}
		if code < airmassClasses {
			x.Elements[base+(nch+2+surfaceClasses+code)*plane] = 1
		}
	}
	return x, nil
}

// UnstackSamples restores a sample dimension that was flattened for
// batching back into its native geometry: every variable whose leading
// dimension is sampleDim has that dimension replaced by newDims with
// lengths newLengths. A sample count that does not match the target
// geometry is an error, never silently truncated.
func UnstackSamples(data *Dataset, sampleDim string, newDims []string, newLengths []int) (*Dataset, error) {
	total := 1
	for _, n := range newLengths {
		total *= n
	}
	out := NewDataset()
	for k, v := range data.Attrs {
		out.Attrs[k] = v
	}
	for _, name := range data.Names() {
		v := data.Get(name)
		if len(v.Dims) == 0 || v.Dims[0] != sampleDim {
			if err := out.add(name, v.Dims, v.Data, v.Integer); err != nil {
				return nil, err
			}
			continue
		}
		if v.Data.Shape[0] != total {
			return nil, fmt.Errorf("gprofnn: cannot unstack %d samples of %s onto geometry %v",
				v.Data.Shape[0], name, newLengths)
		}
		shape := append([]int{}, newLengths...)
		shape = append(shape, v.Data.Shape[1:]...)
		dims := append([]string{}, newDims...)
		dims = append(dims, v.Dims[1:]...)
		a := sparse.ZerosDense(shape...)
		copy(a.Elements, v.Data.Elements)
		if err := out.add(name, dims, a, v.Integer); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// maskSamples sets all retrieval target values of flagged observations
// to NaN, indexed by the leading sample dimension of each target.
func maskSamples(data *Dataset, invalid []bool) error {
	for _, target := range RetrievalTargets {
		v := data.Get(target)
		if v == nil {
			continue
		}
		if v.Data.Shape[0] != len(invalid) {
			return fmt.Errorf("gprofnn: invalid-observation mask of length %d does not fit %s with %d samples",
				len(invalid), target, v.Data.Shape[0])
		}
		inner := 1
		for _, n := range v.Data.Shape[1:] {
			inner *= n
		}
		for s, bad := range invalid {
			if !bad {
				continue
			}
			for r := 0; r < inner; r++ {
				v.Data.Elements[s*inner+r] = math.NaN()
			}
		}
	}
	return nil
}

// scalarVar fetches a variable and checks that it holds one value per
// flattened observation.
func scalarVar(data *Dataset, name string, samples int) ([]float64, error) {
	v := data.Get(name)
	if v == nil {
		return nil, fmt.Errorf("gprofnn: input data has no variable %s", name)
	}
	if len(v.Data.Elements) != samples {
		return nil, fmt.Errorf("gprofnn: variable %s has %d values for %d observations",
			name, len(v.Data.Elements), samples)
	}
	return v.Data.Elements, nil
}

// concatSamples concatenates per-batch outputs along the leading sample
// axis. Trailing dimensions must agree across batches.
func concatSamples(parts []*sparse.DenseArray) (*sparse.DenseArray, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("gprofnn: no batches to concatenate")
	}
	trailing := parts[0].Shape[1:]
	total := 0
	for _, p := range parts {
		if len(p.Shape) != len(trailing)+1 {
			return nil, fmt.Errorf("gprofnn: batch rank mismatch: %v vs %v", p.Shape, parts[0].Shape)
		}
		for i, n := range p.Shape[1:] {
			if n != trailing[i] {
				return nil, fmt.Errorf("gprofnn: batch shape mismatch: %v vs %v", p.Shape, parts[0].Shape)
			}
		}
		total += p.Shape[0]
	}
	shape := append([]int{total}, trailing...)
	out := sparse.ZerosDense(shape...)
	offset := 0
	for _, p := range parts {
		copy(out.Elements[offset:], p.Elements)
		offset += len(p.Elements)
	}
	return out, nil
}

// sliceAxis selects index i along the given axis, dropping the axis.
func sliceAxis(a *sparse.DenseArray, axis, i int) *sparse.DenseArray {
	if axis < 0 || axis >= len(a.Shape) || i < 0 || i >= a.Shape[axis] {
		panic(fmt.Errorf("gprofnn: slice index %d of axis %d out of range for shape %v", i, axis, a.Shape))
	}
	outer := 1
	for _, n := range a.Shape[:axis] {
		outer *= n
	}
	inner := 1
	for _, n := range a.Shape[axis+1:] {
		inner *= n
	}
	shape := append([]int{}, a.Shape[:axis]...)
	shape = append(shape, a.Shape[axis+1:]...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	out := sparse.ZerosDense(shape...)
	for o := 0; o < outer; o++ {
		copy(out.Elements[o*inner:(o+1)*inner],
			a.Elements[(o*a.Shape[axis]+i)*inner:(o*a.Shape[axis]+i)*inner+inner])
	}
	return out
}

// transpose permutes the axes of a according to perm: output axis i is
// input axis perm[i].
func transpose(a *sparse.DenseArray, perm []int) *sparse.DenseArray {
	if len(perm) != len(a.Shape) {
		panic(fmt.Errorf("gprofnn: permutation %v does not fit shape %v", perm, a.Shape))
	}
	shape := make([]int, len(perm))
	for i, p := range perm {
		shape[i] = a.Shape[p]
	}
	out := sparse.ZerosDense(shape...)
	idx := make([]int, len(perm))
	src := make([]int, len(perm))
	for i := range out.Elements {
		// Unravel i into the output index, then gather from the
		// permuted input index.
		rem := i
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d] = rem % shape[d]
			rem /= shape[d]
		}
		for d, p := range perm {
			src[p] = idx[d]
		}
		out.Elements[i] = a.Get(src...)
	}
	return out
}

// rowsRange copies rows [start, end) along the leading axis into a new
// tensor.
func rowsRange(a *sparse.DenseArray, start, end int) *sparse.DenseArray {
	inner := 1
	for _, n := range a.Shape[1:] {
		inner *= n
	}
	shape := append([]int{end - start}, a.Shape[1:]...)
	out := sparse.ZerosDense(shape...)
	copy(out.Elements, a.Elements[start*inner:end*inner])
	return out
}
