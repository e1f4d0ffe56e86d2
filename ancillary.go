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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctessum/sparse"
)

// ReadLandMask reads a GPROF land mask file. Land masks are flat int8
// grids covering the globe at a resolution encoded in the file name,
// such as landmask_32.bin for 32 cells per degree, stored from the
// north pole down. The returned dataset holds the mask on a
// latitude/longitude grid in ascending latitude order, downsampled to
// at most 16 cells per degree.
func ReadLandMask(filename string) (*Dataset, error) {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	us := strings.LastIndex(stem, "_")
	if us < 0 {
		return nil, fmt.Errorf("gprofnn: land mask file %s does not encode a resolution", filename)
	}
	res, err := strconv.Atoi(stem[us+1:])
	if err != nil || res <= 0 {
		return nil, fmt.Errorf("gprofnn: land mask file %s does not encode a resolution", filename)
	}

	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("gprofnn: reading land mask %s: %v", filename, err)
	}
	nLat := 180 * res
	nLon := 360 * res
	if len(raw) != nLat*nLon {
		return nil, fmt.Errorf("gprofnn: land mask %s has %d cells; resolution %d needs %d",
			filename, len(raw), res, nLat*nLon)
	}

	step := 1
	if res > 16 {
		step = 2
	}
	oLat := nLat / step
	oLon := nLon / step
	mask := sparse.ZerosDense(oLat, oLon)
	for i := 0; i < oLat; i++ {
		// File rows run north to south; output rows south to north.
		src := nLat - 1 - i*step
		for j := 0; j < oLon; j++ {
			mask.Elements[i*oLon+j] = float64(int8(raw[src*nLon+j*step]))
		}
	}

	cell := float64(step) / float64(res)
	lat := sparse.ZerosDense(oLat)
	for i := range lat.Elements {
		lat.Elements[i] = -90 + (float64(i)+0.5)*cell
	}
	lon := sparse.ZerosDense(oLon)
	for j := range lon.Elements {
		lon.Elements[j] = -180 + (float64(j)+0.5)*cell
	}

	d := NewDataset()
	d.Attrs["source"] = base
	if err := d.Add("latitude", []string{"latitude"}, lat); err != nil {
		return nil, err
	}
	if err := d.Add("longitude", []string{"longitude"}, lon); err != nil {
		return nil, err
	}
	if err := d.AddInt("mask", []string{"latitude", "longitude"}, mask); err != nil {
		return nil, err
	}
	return d, nil
}
