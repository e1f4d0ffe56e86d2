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
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/ctessum/sparse"
)

// The retrieval file format is the binary layout the legacy GPROF
// retrieval writes its results in. It mirrors the preprocessor format:
// an orbit header followed by one fixed record per pixel, in scan
// order, with optional hydrometeor profiles and retrieval sensitivity
// appended to each record depending on header flags.

type retrievalHeader struct {
	Satellite      [12]byte
	Sensor         [12]byte
	Version        [12]byte
	Granule        int32
	NScans         int32
	NPixels        int32
	HasProfiles    int32
	HasSensitivity int32
	NInputs        int32
}

type retrievalPixel struct {
	Latitude          float32
	Longitude         float32
	SurfacePrecip     float32
	ConvectivePrecip  float32
	RainWaterPath     float32
	CloudWaterPath    float32
	IceWaterPath      float32
	Precip1stTercile  float32
	Precip3rdTercile  float32
	PrecipProbability float32
	MostLikelyPrecip  float32
	PrecipFlag        int32
}

// retrievalProfileVars lists the profile targets in the order their
// values appear in each record when HasProfiles is set.
var retrievalProfileVars = []string{
	"rain_water_content",
	"cloud_water_content",
	"snow_water_content",
	"latent_heat",
}

var retrievalScalarVars = []string{
	"latitude",
	"longitude",
	"surface_precip",
	"convective_precip",
	"rain_water_path",
	"cloud_water_path",
	"ice_water_path",
	"precip_1st_tercile",
	"precip_3rd_tercile",
	"pop",
	"most_likely_precip",
}

// WriteRetrievalFile stores retrieval results on a scan/pixel grid in
// the legacy binary format. Profiles and sensitivity are written only
// when the corresponding variables are present in the results.
func WriteRetrievalFile(filename string, results *Dataset, sensor *Sensor, granule int) error {
	if !results.HasDim("scans") || !results.HasDim("pixels") {
		return fmt.Errorf("gprofnn: retrieval results must be on a scan/pixel grid, have dimensions %v", results.Dims)
	}
	nScans := results.Dims["scans"]
	nPixels := results.Dims["pixels"]

	h := retrievalHeader{
		Granule: int32(granule),
		NScans:  int32(nScans),
		NPixels: int32(nPixels),
	}
	copy(h.Satellite[:], sensor.Satellite)
	copy(h.Sensor[:], sensor.Name)
	copy(h.Version[:], "GPROF-NN")
	if results.Has("rain_water_content") {
		if n := results.Dims["layers"]; n != retrievalLayers {
			return fmt.Errorf("gprofnn: retrieval profiles span %d layers, the format stores %d", n, retrievalLayers)
		}
		h.HasProfiles = 1
	}
	grad := results.Get("surface_precip_grad")
	if grad != nil {
		h.HasSensitivity = 1
		h.NInputs = int32(grad.Data.Shape[len(grad.Data.Shape)-1])
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("gprofnn: creating retrieval file %s: %v", filename, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("gprofnn: writing retrieval header to %s: %v", filename, err)
	}

	cell := func(name string, i int) float32 {
		v := results.Get(name)
		if v == nil || i >= len(v.Data.Elements) {
			return missingValue
		}
		return toSentinel(v.Data.Elements[i])
	}
	flag := results.Get("precip_flag")
	profile := make([]float32, retrievalLayers)
	sens := make([]float32, h.NInputs)
	for i := 0; i < nScans*nPixels; i++ {
		rec := retrievalPixel{
			Latitude:          cell("latitude", i),
			Longitude:         cell("longitude", i),
			SurfacePrecip:     cell("surface_precip", i),
			ConvectivePrecip:  cell("convective_precip", i),
			RainWaterPath:     cell("rain_water_path", i),
			CloudWaterPath:    cell("cloud_water_path", i),
			IceWaterPath:      cell("ice_water_path", i),
			Precip1stTercile:  cell("precip_1st_tercile", i),
			Precip3rdTercile:  cell("precip_3rd_tercile", i),
			PrecipProbability: cell("pop", i),
			MostLikelyPrecip:  cell("most_likely_precip", i),
			PrecipFlag:        missingInt,
		}
		if flag != nil && i < len(flag.Data.Elements) && !math.IsNaN(flag.Data.Elements[i]) {
			rec.PrecipFlag = int32(flag.Data.Elements[i])
		}
		if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
			return fmt.Errorf("gprofnn: writing retrieval file %s: %v", filename, err)
		}
		if h.HasProfiles != 0 {
			for _, name := range retrievalProfileVars {
				v := results.Get(name)
				for l := 0; l < retrievalLayers; l++ {
					if v == nil {
						profile[l] = missingValue
					} else {
						profile[l] = toSentinel(v.Data.Elements[i*retrievalLayers+l])
					}
				}
				if err := binary.Write(w, binary.LittleEndian, profile); err != nil {
					return fmt.Errorf("gprofnn: writing retrieval file %s: %v", filename, err)
				}
			}
		}
		if h.HasSensitivity != 0 {
			n := int(h.NInputs)
			for k := 0; k < n; k++ {
				sens[k] = toSentinel(grad.Data.Elements[i*n+k])
			}
			if err := binary.Write(w, binary.LittleEndian, sens); err != nil {
				return fmt.Errorf("gprofnn: writing retrieval file %s: %v", filename, err)
			}
		}
	}
	return w.Flush()
}

// ReadRetrievalFile reads a binary retrieval file back into a dataset.
// Sentinel values are converted to NaN.
func ReadRetrievalFile(filename string) (*Dataset, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("gprofnn: opening retrieval file %s: %v", filename, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var h retrievalHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("gprofnn: reading retrieval header of %s: %v", filename, err)
	}
	nScans := int(h.NScans)
	nPixels := int(h.NPixels)
	if nScans <= 0 || nPixels <= 0 {
		return nil, fmt.Errorf("gprofnn: retrieval file %s has implausible geometry %dx%d", filename, nScans, nPixels)
	}

	d := NewDataset()
	d.Attrs["sensor"] = trimNul(h.Sensor[:])
	d.Attrs["satellite"] = trimNul(h.Satellite[:])
	d.Attrs["granule"] = strconv.Itoa(int(h.Granule))

	grid := []string{"scans", "pixels"}
	scalars := make(map[string]*sparse.DenseArray, len(retrievalScalarVars))
	for _, name := range retrievalScalarVars {
		scalars[name] = sparse.ZerosDense(nScans, nPixels)
	}
	flags := sparse.ZerosDense(nScans, nPixels)
	profiles := make(map[string]*sparse.DenseArray)
	if h.HasProfiles != 0 {
		for _, name := range retrievalProfileVars {
			profiles[name] = sparse.ZerosDense(nScans, nPixels, retrievalLayers)
		}
	}
	var gradArr *sparse.DenseArray
	if h.HasSensitivity != 0 {
		gradArr = sparse.ZerosDense(nScans, nPixels, int(h.NInputs))
	}

	profile := make([]float32, retrievalLayers)
	sens := make([]float32, h.NInputs)
	for i := 0; i < nScans*nPixels; i++ {
		var rec retrievalPixel
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("gprofnn: reading retrieval file %s: %v", filename, err)
		}
		for name, v := range map[string]float32{
			"latitude":           rec.Latitude,
			"longitude":          rec.Longitude,
			"surface_precip":     rec.SurfacePrecip,
			"convective_precip":  rec.ConvectivePrecip,
			"rain_water_path":    rec.RainWaterPath,
			"cloud_water_path":   rec.CloudWaterPath,
			"ice_water_path":     rec.IceWaterPath,
			"precip_1st_tercile": rec.Precip1stTercile,
			"precip_3rd_tercile": rec.Precip3rdTercile,
			"pop":                rec.PrecipProbability,
			"most_likely_precip": rec.MostLikelyPrecip,
		} {
			scalars[name].Elements[i] = fromSentinel(v)
		}
		if rec.PrecipFlag == missingInt {
			flags.Elements[i] = math.NaN()
		} else {
			flags.Elements[i] = float64(rec.PrecipFlag)
		}
		if h.HasProfiles != 0 {
			for _, name := range retrievalProfileVars {
				if err := binary.Read(r, binary.LittleEndian, profile); err != nil {
					return nil, fmt.Errorf("gprofnn: reading retrieval file %s: %v", filename, err)
				}
				for l, v := range profile {
					profiles[name].Elements[i*retrievalLayers+l] = fromSentinel(v)
				}
			}
		}
		if h.HasSensitivity != 0 {
			if err := binary.Read(r, binary.LittleEndian, sens); err != nil {
				return nil, fmt.Errorf("gprofnn: reading retrieval file %s: %v", filename, err)
			}
			n := int(h.NInputs)
			for k, v := range sens {
				gradArr.Elements[i*n+k] = fromSentinel(v)
			}
		}
	}
	for _, name := range retrievalScalarVars {
		d.Add(name, grid, scalars[name])
	}
	d.AddInt("precip_flag", grid, flags)
	for _, name := range retrievalProfileVars {
		if a, ok := profiles[name]; ok {
			d.Add(name, []string{"scans", "pixels", "layers"}, a)
		}
	}
	if gradArr != nil {
		d.Add("surface_precip_grad", []string{"scans", "pixels", "inputs"}, gradArr)
	}
	return d, nil
}

func fromSentinel(v float32) float64 {
	if v <= missingValue {
		return math.NaN()
	}
	return float64(v)
}
