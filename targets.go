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

	"github.com/ctessum/sparse"
)

const (
	// surfaceClasses and airmassClasses are the number of slots in
	// the corresponding one-hot encodings. Surface types are coded
	// 1-based, airmass types 0-based.
	surfaceClasses = 18
	airmassClasses = 4

	// maxChannels is the number of channel slots in preprocessor
	// records. Sensors with fewer channels leave the trailing slots
	// at the missing sentinel.
	maxChannels = 15

	// retrievalLayers is the number of vertical layers in
	// hydrometeor profile targets.
	retrievalLayers = 28

	// missingValue is the sentinel used for missing data in the
	// binary file formats. In-memory tensors use NaN instead.
	missingValue = -9999.9
	missingInt   = -9999

	// popThreshold is the rain rate against which the precipitation
	// exceedance probability is evaluated.
	popThreshold = 1e-4
)

// RetrievalTargets lists the geophysical variables produced by the
// retrieval.
var RetrievalTargets = []string{
	"surface_precip",
	"convective_precip",
	"rain_water_path",
	"ice_water_path",
	"cloud_water_path",
	"total_column_water_vapor",
	"rain_water_content",
	"cloud_water_content",
	"snow_water_content",
	"latent_heat",
}

// ProfileTargets lists the retrieval targets that are resolved over
// vertical layers rather than retrieved as scalars.
var ProfileTargets = []string{
	"rain_water_content",
	"cloud_water_content",
	"snow_water_content",
	"latent_heat",
}

// IsProfileTarget reports whether the named target carries a vertical
// layer dimension.
func IsProfileTarget(name string) bool {
	for _, t := range ProfileTargets {
		if t == name {
			return true
		}
	}
	return false
}

// SurfaceTypeNames maps the 1-based surface type codes to their names.
var SurfaceTypeNames = []string{
	"Ocean",
	"Sea-Ice",
	"Vegetation 1",
	"Vegetation 2",
	"Vegetation 3",
	"Vegetation 4",
	"Vegetation 5",
	"Snow 1",
	"Snow 2",
	"Snow 3",
	"Snow 4",
	"Standing Water",
	"Land Coast",
	"Mixed land/ocean o. water",
	"Ocean or water Coast",
	"Sea-ice edge",
	"Mountain Rain",
	"Mountain Snow",
}

// SurfaceTypeName returns the name of a 1-based surface type code, or
// the empty string when the code is out of range.
func SurfaceTypeName(code int) string {
	if code < 1 || code > len(SurfaceTypeNames) {
		return ""
	}
	return SurfaceTypeNames[code-1]
}

// ApplyLimits returns a copy of v with values outside [min, max] set to
// NaN. Either bound may be NaN to leave that side unbounded.
func ApplyLimits(v *sparse.DenseArray, min, max float64) *sparse.DenseArray {
	o := v.Copy()
	for i, val := range o.Elements {
		if !math.IsNaN(min) && val < min {
			o.Elements[i] = math.NaN()
		}
		if !math.IsNaN(max) && val > max {
			o.Elements[i] = math.NaN()
		}
	}
	return o
}
