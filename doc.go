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

// Package gprofnn implements the GPROF-NN satellite precipitation
// retrieval pipeline. It converts passive-microwave brightness
// temperature observations from files in preprocessor, L1C and NetCDF
// formats into batched network input tensors, runs them through a
// trained retrieval model, and reassembles the predictions into
// geolocated output products.
package gprofnn

// Version gives the version number of this version of GPROF-NN.
const Version = "1.0.0"
