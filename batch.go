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

import "fmt"

// Batches divides a sample axis into fixed-size batches. The final
// batch may be shorter.
type Batches struct {
	samples int
	size    int
}

// NewBatches creates a batch division of n samples into batches of the
// given size.
func NewBatches(samples, size int) Batches {
	if samples < 0 || size < 1 {
		panic(fmt.Errorf("gprofnn: invalid batch division of %d samples into batches of %d", samples, size))
	}
	return Batches{samples: samples, size: size}
}

// Len is the number of batches.
func (b Batches) Len() int {
	return (b.samples + b.size - 1) / b.size
}

// Range returns the half-open sample range [start, end) of batch i.
func (b Batches) Range(i int) (start, end int, err error) {
	if i < 0 || i >= b.Len() {
		return 0, 0, fmt.Errorf("gprofnn: batch index %d out of range [0, %d)", i, b.Len())
	}
	start = i * b.size
	end = start + b.size
	if end > b.samples {
		end = b.samples
	}
	return start, end, nil
}
