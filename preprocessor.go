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
	"strings"

	"github.com/ctessum/sparse"
)

// The preprocessor format is the fixed-record binary layout produced by
// the CSU preprocessor and consumed by the legacy retrieval. A file is
// one orbit header followed by per-scan records, each a scan header and
// a fixed number of pixel records. All fields are little endian.

// writePixels is the number of pixels per scan used when packing flat
// training samples into preprocessor layout.
const writePixels = 2048

type orbitHeader struct {
	Satellite   [12]byte
	Sensor      [12]byte
	Version     [12]byte
	Granule     int32
	NScans      int32
	NPixels     int32
	NChannels   int32
	Frequencies [maxChannels]float32
	Comment     [40]byte
}

type scanHeader struct {
	Year        int16
	Month       int16
	Day         int16
	Hour        int16
	Minute      int16
	Second      int16
	Millisecond int16
	Spare       int16
}

type pixelRecord struct {
	Latitude               float32
	Longitude              float32
	BrightnessTemperatures [maxChannels]float32
	EarthIncidenceAngle    float32
	TwoMeterTemperature    float32
	TotalColumnWaterVapor  float32
	SurfaceType            int16
	AirmassType            int16
}

// PreprocessorFile provides access to retrieval input data in
// preprocessor format.
type PreprocessorFile struct {
	filename string
	header   orbitHeader
	sensor   *Sensor
	times    []scanHeader
	pixels   []pixelRecord
}

// OpenPreprocessorFile reads a preprocessor file into memory.
func OpenPreprocessorFile(filename string) (*PreprocessorFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("gprofnn: opening preprocessor file %s: %v", filename, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	p := &PreprocessorFile{filename: filename}
	if err := binary.Read(r, binary.LittleEndian, &p.header); err != nil {
		return nil, fmt.Errorf("gprofnn: reading preprocessor header of %s: %v", filename, err)
	}
	p.sensor, err = SensorByName(trimNul(p.header.Sensor[:]))
	if err != nil {
		return nil, err
	}
	nScans := int(p.header.NScans)
	nPixels := int(p.header.NPixels)
	if nScans <= 0 || nPixels <= 0 || int(p.header.NChannels) > maxChannels {
		return nil, fmt.Errorf("gprofnn: preprocessor file %s has implausible geometry %dx%dx%d",
			filename, nScans, nPixels, p.header.NChannels)
	}
	p.times = make([]scanHeader, nScans)
	p.pixels = make([]pixelRecord, nScans*nPixels)
	for s := 0; s < nScans; s++ {
		if err := binary.Read(r, binary.LittleEndian, &p.times[s]); err != nil {
			return nil, fmt.Errorf("gprofnn: reading scan %d of %s: %v", s, filename, err)
		}
		if err := binary.Read(r, binary.LittleEndian, p.pixels[s*nPixels:(s+1)*nPixels]); err != nil {
			return nil, fmt.Errorf("gprofnn: reading scan %d of %s: %v", s, filename, err)
		}
	}
	return p, nil
}

// Sensor is the instrument the file was preprocessed for.
func (p *PreprocessorFile) Sensor() *Sensor { return p.sensor }

// Granule is the orbit granule number.
func (p *PreprocessorFile) Granule() int { return int(p.header.Granule) }

// NScans is the number of scan lines in the file.
func (p *PreprocessorFile) NScans() int { return int(p.header.NScans) }

// NPixels is the number of pixels per scan line.
func (p *PreprocessorFile) NPixels() int { return int(p.header.NPixels) }

// Dataset converts the file contents to a dimension-labelled dataset.
// Sentinel values are kept as stored; the codec masks them when
// building network input.
func (p *PreprocessorFile) Dataset() *Dataset {
	nScans := p.NScans()
	nPixels := p.NPixels()
	nch := p.sensor.Channels

	d := NewDataset()
	d.Attrs["sensor"] = p.sensor.Name
	d.Attrs["satellite"] = trimNul(p.header.Satellite[:])
	d.Attrs["granule"] = strconv.Itoa(p.Granule())

	grid := []string{"scans", "pixels"}
	lat := sparse.ZerosDense(nScans, nPixels)
	lon := sparse.ZerosDense(nScans, nPixels)
	tbs := sparse.ZerosDense(nScans, nPixels, nch)
	eia := sparse.ZerosDense(nScans, nPixels)
	t2m := sparse.ZerosDense(nScans, nPixels)
	tcwv := sparse.ZerosDense(nScans, nPixels)
	st := sparse.ZerosDense(nScans, nPixels)
	am := sparse.ZerosDense(nScans, nPixels)
	for i, px := range p.pixels {
		lat.Elements[i] = float64(px.Latitude)
		lon.Elements[i] = float64(px.Longitude)
		for c := 0; c < nch; c++ {
			tbs.Elements[i*nch+c] = float64(px.BrightnessTemperatures[c])
		}
		eia.Elements[i] = float64(px.EarthIncidenceAngle)
		t2m.Elements[i] = float64(px.TwoMeterTemperature)
		tcwv.Elements[i] = float64(px.TotalColumnWaterVapor)
		st.Elements[i] = float64(px.SurfaceType)
		am.Elements[i] = float64(px.AirmassType)
	}
	d.Add("latitude", grid, lat)
	d.Add("longitude", grid, lon)
	d.Add("brightness_temperatures", []string{"scans", "pixels", "channels"}, tbs)
	d.Add("earth_incidence_angle", grid, eia)
	d.Add("two_meter_temperature", grid, t2m)
	d.Add("total_column_water_vapor", grid, tcwv)
	d.AddInt("surface_type", grid, st)
	d.AddInt("airmass_type", grid, am)
	return d
}

// WritePreprocessorFile packs retrieval input data into preprocessor
// format. Flat sample data (leading dimension "samples") is reshaped
// into scans of up to 2048 pixels, with the final partial scan padded
// with missing values; data already on a scan/pixel grid is written as
// is.
func WritePreprocessorFile(filename string, data *Dataset, sensor *Sensor, granule int) error {
	var nScans, nPixels int
	if n, ok := data.Dims["samples"]; ok && !data.HasDim("scans") {
		nPixels = writePixels
		if n < nPixels {
			nPixels = n
		}
		nScans = (n + nPixels - 1) / nPixels
	} else if data.HasDim("scans") && data.HasDim("pixels") {
		nScans = data.Dims["scans"]
		nPixels = data.Dims["pixels"]
	} else {
		return fmt.Errorf("gprofnn: cannot write preprocessor file from data with dimensions %v", data.Dims)
	}

	cell := func(name string, s int) float64 {
		v := data.Get(name)
		if v == nil {
			return missingValue
		}
		if s >= len(v.Data.Elements) {
			return missingValue
		}
		return v.Data.Elements[s]
	}

	h := orbitHeader{
		Granule:   int32(granule),
		NScans:    int32(nScans),
		NPixels:   int32(nPixels),
		NChannels: int32(sensor.Channels),
	}
	copy(h.Satellite[:], sensor.Satellite)
	copy(h.Sensor[:], sensor.Name)
	copy(h.Version[:], "GPROF-NN")

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("gprofnn: creating preprocessor file %s: %v", filename, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("gprofnn: writing preprocessor header to %s: %v", filename, err)
	}

	tb := data.Get("brightness_temperatures")
	if tb == nil {
		return fmt.Errorf("gprofnn: input data has no variable brightness_temperatures")
	}
	nch := tb.Data.Shape[len(tb.Data.Shape)-1]
	samples := len(tb.Data.Elements) / nch

	px := make([]pixelRecord, nPixels)
	for s := 0; s < nScans; s++ {
		if err := binary.Write(w, binary.LittleEndian, &scanHeader{}); err != nil {
			return fmt.Errorf("gprofnn: writing scan %d to %s: %v", s, filename, err)
		}
		for j := 0; j < nPixels; j++ {
			i := s*nPixels + j
			rec := &px[j]
			if i >= samples {
				*rec = missingPixel()
				continue
			}
			rec.Latitude = toSentinel(cell("latitude", i))
			rec.Longitude = toSentinel(cell("longitude", i))
			for c := 0; c < maxChannels; c++ {
				if c < nch {
					rec.BrightnessTemperatures[c] = toSentinel(tb.Data.Elements[i*nch+c])
				} else {
					rec.BrightnessTemperatures[c] = missingValue
				}
			}
			rec.EarthIncidenceAngle = toSentinel(cell("earth_incidence_angle", i))
			rec.TwoMeterTemperature = toSentinel(cell("two_meter_temperature", i))
			rec.TotalColumnWaterVapor = toSentinel(cell("total_column_water_vapor", i))
			rec.SurfaceType = toSentinelInt(cell("surface_type", i))
			rec.AirmassType = toSentinelInt(cell("airmass_type", i))
		}
		if err := binary.Write(w, binary.LittleEndian, px); err != nil {
			return fmt.Errorf("gprofnn: writing scan %d to %s: %v", s, filename, err)
		}
	}
	return w.Flush()
}

func missingPixel() pixelRecord {
	rec := pixelRecord{
		Latitude:              missingValue,
		Longitude:             missingValue,
		EarthIncidenceAngle:   missingValue,
		TwoMeterTemperature:   missingValue,
		TotalColumnWaterVapor: missingValue,
		SurfaceType:           -99,
		AirmassType:           -99,
	}
	for c := range rec.BrightnessTemperatures {
		rec.BrightnessTemperatures[c] = missingValue
	}
	return rec
}

func toSentinel(v float64) float32 {
	if math.IsNaN(v) {
		return missingValue
	}
	return float32(v)
}

func toSentinelInt(v float64) int16 {
	if math.IsNaN(v) {
		return -99
	}
	return int16(v)
}

func trimNul(b []byte) string {
	return strings.TrimRight(strings.TrimRight(string(b), "\x00"), " ")
}
