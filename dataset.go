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
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// Variable is a single dimension-labelled data array within a Dataset.
type Variable struct {
	Dims []string
	Data *sparse.DenseArray

	// Integer marks variables that hold integer-coded values
	// (surface types, flags) and are stored as such on disk.
	Integer bool
}

// Dataset is an in-memory collection of dimension-labelled variables
// mirroring the layout of a NetCDF file. It is used both as the view of
// retrieval input data and as the container for retrieval results.
type Dataset struct {
	Dims  map[string]int
	Vars  map[string]*Variable
	Attrs map[string]string

	varOrder []string
	dimOrder []string
}

// NewDataset creates an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Dims:  make(map[string]int),
		Vars:  make(map[string]*Variable),
		Attrs: make(map[string]string),
	}
}

// Add adds a floating point variable to the dataset. The dimension
// names must match the shape of data; dimension lengths are checked
// against dimensions already present in the dataset.
func (d *Dataset) Add(name string, dims []string, data *sparse.DenseArray) error {
	return d.add(name, dims, data, false)
}

// AddInt adds an integer-coded variable to the dataset.
func (d *Dataset) AddInt(name string, dims []string, data *sparse.DenseArray) error {
	return d.add(name, dims, data, true)
}

func (d *Dataset) add(name string, dims []string, data *sparse.DenseArray, integer bool) error {
	if len(dims) != len(data.Shape) {
		return fmt.Errorf("gprofnn: variable %s: %d dimension names for rank %d data",
			name, len(dims), len(data.Shape))
	}
	for i, dim := range dims {
		if n, ok := d.Dims[dim]; ok {
			if n != data.Shape[i] {
				return fmt.Errorf("gprofnn: variable %s: dimension %s has length %d but %d elsewhere in dataset",
					name, dim, data.Shape[i], n)
			}
		} else {
			d.Dims[dim] = data.Shape[i]
			d.dimOrder = append(d.dimOrder, dim)
		}
	}
	if _, ok := d.Vars[name]; !ok {
		d.varOrder = append(d.varOrder, name)
	}
	d.Vars[name] = &Variable{Dims: append([]string{}, dims...), Data: data, Integer: integer}
	return nil
}

// Get returns the named variable or nil if it is not present.
func (d *Dataset) Get(name string) *Variable { return d.Vars[name] }

// Has reports whether the named variable is present.
func (d *Dataset) Has(name string) bool {
	_, ok := d.Vars[name]
	return ok
}

// HasDim reports whether the named dimension is present.
func (d *Dataset) HasDim(name string) bool {
	_, ok := d.Dims[name]
	return ok
}

// Names returns the variable names in insertion order.
func (d *Dataset) Names() []string {
	return append([]string{}, d.varOrder...)
}

// Copy returns a deep copy of the dataset.
func (d *Dataset) Copy() *Dataset {
	o := NewDataset()
	for k, v := range d.Attrs {
		o.Attrs[k] = v
	}
	for _, name := range d.varOrder {
		v := d.Vars[name]
		if err := o.add(name, v.Dims, v.Data.Copy(), v.Integer); err != nil {
			panic(err) // copying cannot introduce inconsistent dimensions
		}
	}
	return o
}

// OpenDataset reads a NetCDF file into memory. All numeric variables
// are converted to float64 arrays; character variables are skipped.
func OpenDataset(filename string) (*Dataset, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("gprofnn: opening %s: %v", filename, err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("gprofnn: reading NetCDF header of %s: %v", filename, err)
	}
	d := NewDataset()
	for _, a := range ff.Header.Attributes("") {
		if s, ok := ff.Header.GetAttribute("", a).(string); ok {
			d.Attrs[a] = s
		}
	}
	for _, v := range ff.Header.Variables() {
		dims := ff.Header.Dimensions(v)
		lengths := ff.Header.Lengths(v)
		n := 1
		for _, l := range lengths {
			n *= l
		}
		r := ff.Reader(v, nil, nil)
		buf := r.Zero(n)
		if _, err := r.Read(buf); err != nil {
			return nil, fmt.Errorf("gprofnn: reading NetCDF variable %s: %v", v, err)
		}
		data := sparse.ZerosDense(lengths...)
		integer := false
		switch b := buf.(type) {
		case []float32:
			for i, val := range b {
				data.Elements[i] = float64(val)
			}
		case []float64:
			copy(data.Elements, b)
		case []int32:
			integer = true
			for i, val := range b {
				data.Elements[i] = float64(val)
			}
		case []int16:
			integer = true
			for i, val := range b {
				data.Elements[i] = float64(val)
			}
		case []uint8:
			integer = true
			for i, val := range b {
				data.Elements[i] = float64(val)
			}
		default:
			continue // character data
		}
		if err := d.add(v, dims, data, integer); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// WriteDataset writes the dataset to a NetCDF file. Floating point
// variables are stored as float32, integer-coded variables as int32.
func WriteDataset(filename string, d *Dataset) error {
	dims := make([]string, len(d.dimOrder))
	lengths := make([]int, len(d.dimOrder))
	for i, dim := range d.dimOrder {
		dims[i] = dim
		lengths[i] = d.Dims[dim]
	}
	h := cdf.NewHeader(dims, lengths)
	for k, v := range d.Attrs {
		h.AddAttribute("", k, v)
	}
	for _, name := range d.varOrder {
		v := d.Vars[name]
		if v.Integer {
			h.AddVariable(name, v.Dims, []int32{0})
		} else {
			h.AddVariable(name, v.Dims, []float32{0})
		}
	}
	h.Define()
	for _, err := range h.Check() {
		return fmt.Errorf("gprofnn: creating NetCDF header for %s: %v", filename, err)
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("gprofnn: creating %s: %v", filename, err)
	}
	defer f.Close()
	ff, err := cdf.Create(f, h)
	if err != nil {
		return fmt.Errorf("gprofnn: creating NetCDF file %s: %v", filename, err)
	}
	for _, name := range d.varOrder {
		v := d.Vars[name]
		begin := make([]int, len(v.Dims))
		w := ff.Writer(name, begin, v.Data.Shape)
		if v.Integer {
			buf := make([]int32, len(v.Data.Elements))
			for i, val := range v.Data.Elements {
				if math.IsNaN(val) {
					buf[i] = missingInt
				} else {
					buf[i] = int32(val)
				}
			}
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("gprofnn: writing NetCDF variable %s: %v", name, err)
			}
		} else {
			buf := make([]float32, len(v.Data.Elements))
			for i, val := range v.Data.Elements {
				buf[i] = float32(val)
			}
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("gprofnn: writing NetCDF variable %s: %v", name, err)
			}
		}
	}
	return nil
}
