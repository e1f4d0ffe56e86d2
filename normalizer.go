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

	"github.com/BurntSushi/toml"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// MissingFeature is the value missing inputs take after normalization.
// The networks are trained with this convention, and the loaders rely
// on it to recognize observations without any valid channel data.
const MissingFeature = -1.5

// Normalizer is a pre-fit per-feature min-max transform mapping inputs
// to [-1, 1]. It is fit once per sensor on training data and stored
// alongside the model. One-hot feature slots are excluded from scaling.
type Normalizer struct {
	Min []float64
	Max []float64

	// Exclude lists feature indices passed through unscaled.
	Exclude []int
}

// FitNormalizer computes per-feature minima and maxima over the
// trailing feature axis of x, ignoring NaN, with the given feature
// indices excluded from scaling.
func FitNormalizer(x *sparse.DenseArray, exclude []int) *Normalizer {
	nf := x.Shape[len(x.Shape)-1]
	n := &Normalizer{
		Min:     make([]float64, nf),
		Max:     make([]float64, nf),
		Exclude: append([]int{}, exclude...),
	}
	buf := make([]float64, 0, len(x.Elements)/nf)
	for f := 0; f < nf; f++ {
		buf = buf[:0]
		for i := f; i < len(x.Elements); i += nf {
			if !math.IsNaN(x.Elements[i]) {
				buf = append(buf, x.Elements[i])
			}
		}
		if len(buf) == 0 {
			continue
		}
		n.Min[f] = floats.Min(buf)
		n.Max[f] = floats.Max(buf)
	}
	return n
}

// LoadNormalizer reads a normalizer from a TOML file.
func LoadNormalizer(filename string) (*Normalizer, error) {
	n := new(Normalizer)
	if _, err := toml.DecodeFile(filename, n); err != nil {
		return nil, fmt.Errorf("gprofnn: loading normalizer from %s: %v", filename, err)
	}
	if len(n.Min) != len(n.Max) {
		return nil, fmt.Errorf("gprofnn: normalizer %s has %d minima but %d maxima",
			filename, len(n.Min), len(n.Max))
	}
	return n, nil
}

// Save writes the normalizer to a TOML file.
func (n *Normalizer) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("gprofnn: saving normalizer to %s: %v", filename, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(n); err != nil {
		return fmt.Errorf("gprofnn: saving normalizer to %s: %v", filename, err)
	}
	return nil
}

// featureAxis returns the axis along which features are laid out: the
// trailing axis for flat sample tensors and axis 1 for the
// convolutional [samples, features, scans, pixels] layout.
func featureAxis(x *sparse.DenseArray) int {
	if len(x.Shape) >= 3 {
		return 1
	}
	return len(x.Shape) - 1
}

func (n *Normalizer) excluded(f int) bool {
	for _, e := range n.Exclude {
		if e == f {
			return true
		}
	}
	return false
}

// Apply normalizes x feature by feature. NaN inputs become
// MissingFeature. The input is not modified.
func (n *Normalizer) Apply(x *sparse.DenseArray) *sparse.DenseArray {
	return n.transform(x, false)
}

// Invert undoes the normalization, mapping MissingFeature back to NaN.
func (n *Normalizer) Invert(x *sparse.DenseArray) *sparse.DenseArray {
	return n.transform(x, true)
}

func (n *Normalizer) transform(x *sparse.DenseArray, invert bool) *sparse.DenseArray {
	axis := featureAxis(x)
	if x.Shape[axis] != len(n.Min) {
		panic(fmt.Errorf("gprofnn: normalizer fit for %d features applied to %d", len(n.Min), x.Shape[axis]))
	}
	inner := 1
	for _, d := range x.Shape[axis+1:] {
		inner *= d
	}
	out := x.Copy()
	nf := x.Shape[axis]
	for i, v := range x.Elements {
		f := (i / inner) % nf
		if invert {
			if v == MissingFeature {
				out.Elements[i] = math.NaN()
				continue
			}
			if !n.excluded(f) && n.Max[f] > n.Min[f] {
				out.Elements[i] = (v+1)/2*(n.Max[f]-n.Min[f]) + n.Min[f]
			}
			continue
		}
		if math.IsNaN(v) {
			out.Elements[i] = MissingFeature
			continue
		}
		if !n.excluded(f) {
			if n.Max[f] > n.Min[f] {
				out.Elements[i] = -1 + 2*(v-n.Min[f])/(n.Max[f]-n.Min[f])
			} else {
				out.Elements[i] = 0
			}
		}
	}
	return out
}
