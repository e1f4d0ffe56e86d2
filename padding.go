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

	"github.com/ctessum/sparse"
)

// PaddingStride is the stride multiple the convolutional retrieval
// requires of its spatial input dimensions.
const PaddingStride = 32

// Padding holds the symmetric edge padding that rounds the two trailing
// spatial dimensions of a tensor up to a stride multiple. It is
// computed once per input file and reused for every batch and for the
// inverse crop at finalize time.
type Padding struct {
	Left, Right int // trailing (pixel) dimension
	Top, Bottom int // second-to-last (scan) dimension
}

// PaddingFor computes the padding that extends height and width to
// multiples of stride. The excess is split so that the right/bottom
// side receives the odd element.
func PaddingFor(height, width, stride int) Padding {
	var p Padding
	d := (width+stride-1)/stride*stride - width
	p.Left = d / 2
	p.Right = d - p.Left
	d = (height+stride-1)/stride*stride - height
	p.Top = d / 2
	p.Bottom = d - p.Top
	return p
}

// Zero reports whether the padding is a no-op.
func (p Padding) Zero() bool {
	return p.Left == 0 && p.Right == 0 && p.Top == 0 && p.Bottom == 0
}

// Apply pads the two trailing dimensions of a by edge replication.
func (p Padding) Apply(a *sparse.DenseArray) *sparse.DenseArray {
	if len(a.Shape) < 2 {
		panic(fmt.Errorf("gprofnn: cannot pad rank %d tensor", len(a.Shape)))
	}
	h := a.Shape[len(a.Shape)-2]
	w := a.Shape[len(a.Shape)-1]
	outer := 1
	for _, n := range a.Shape[:len(a.Shape)-2] {
		outer *= n
	}
	oh := h + p.Top + p.Bottom
	ow := w + p.Left + p.Right
	shape := append([]int{}, a.Shape[:len(a.Shape)-2]...)
	shape = append(shape, oh, ow)
	out := sparse.ZerosDense(shape...)
	for o := 0; o < outer; o++ {
		for i := 0; i < oh; i++ {
			si := clamp(i-p.Top, 0, h-1)
			for j := 0; j < ow; j++ {
				sj := clamp(j-p.Left, 0, w-1)
				out.Elements[(o*oh+i)*ow+j] = a.Elements[(o*h+si)*w+sj]
			}
		}
	}
	return out
}

// Invert removes the padding again, cropping the two trailing
// dimensions back to their original extent. Tensors too small to have
// carried the padding indicate a geometry error.
func (p Padding) Invert(a *sparse.DenseArray) (*sparse.DenseArray, error) {
	if len(a.Shape) < 2 {
		return nil, fmt.Errorf("gprofnn: cannot crop rank %d tensor", len(a.Shape))
	}
	ph := a.Shape[len(a.Shape)-2]
	pw := a.Shape[len(a.Shape)-1]
	h := ph - p.Top - p.Bottom
	w := pw - p.Left - p.Right
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("gprofnn: cannot remove padding %+v from %dx%d tensor", p, ph, pw)
	}
	outer := 1
	for _, n := range a.Shape[:len(a.Shape)-2] {
		outer *= n
	}
	shape := append([]int{}, a.Shape[:len(a.Shape)-2]...)
	shape = append(shape, h, w)
	out := sparse.ZerosDense(shape...)
	for o := 0; o < outer; o++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				out.Elements[(o*h+i)*w+j] = a.Elements[(o*ph+i+p.Top)*pw+j+p.Left]
			}
		}
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
