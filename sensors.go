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
	"strings"
)

// ScanGeometry distinguishes the two scanner classes handled by the
// retrieval. Cross-track scanners observe under varying earth incidence
// angles, which adds an angle slot to the network input.
type ScanGeometry int

const (
	ConicalScan ScanGeometry = iota
	CrossTrackScan
)

func (g ScanGeometry) String() string {
	if g == CrossTrackScan {
		return "cross-track"
	}
	return "conical"
}

// Sensor describes a passive microwave instrument supported by the
// retrieval.
type Sensor struct {
	Name      string
	Satellite string

	// Channels is the number of brightness temperature channels.
	Channels int
	// Angles is the number of viewing angles for which the retrieval
	// database is calculated. 1 for conical scanners.
	Angles int
	// Pixels is the number of pixels per scan line in preprocessor
	// files.
	Pixels int

	Geometry ScanGeometry
}

// CrossTrack reports whether the sensor is a cross-track scanner.
func (s *Sensor) CrossTrack() bool { return s.Geometry == CrossTrackScan }

// Inputs is the width of the network input feature vector for this
// sensor: the channel brightness temperatures, the earth incidence
// angle for cross-track scanners, two ancillary scalars and the
// surface- and airmass-type one-hot encodings.
func (s *Sensor) Inputs() int {
	n := s.Channels + 2 + surfaceClasses + airmassClasses
	if s.CrossTrack() {
		n++
	}
	return n
}

func (s *Sensor) String() string { return s.Name }

// The sensors supported by the retrieval.
var (
	GMI   = &Sensor{Name: "GMI", Satellite: "GPM", Channels: 15, Angles: 1, Pixels: 221, Geometry: ConicalScan}
	MHS   = &Sensor{Name: "MHS", Satellite: "NOAA19", Channels: 5, Angles: 10, Pixels: 90, Geometry: CrossTrackScan}
	ATMS  = &Sensor{Name: "ATMS", Satellite: "NPP", Channels: 9, Angles: 10, Pixels: 96, Geometry: CrossTrackScan}
	TMI   = &Sensor{Name: "TMI", Satellite: "TRMM", Channels: 9, Angles: 1, Pixels: 208, Geometry: ConicalScan}
	SSMIS = &Sensor{Name: "SSMIS", Satellite: "F17", Channels: 11, Angles: 1, Pixels: 180, Geometry: ConicalScan}
	AMSR2 = &Sensor{Name: "AMSR2", Satellite: "GCOMW1", Channels: 12, Angles: 1, Pixels: 486, Geometry: ConicalScan}
)

// sensorRegistry is the closed set of supported sensors, resolved by
// name. Sensor support requires a matching retrieval database, so the
// registry is intentionally not extensible at run time.
var sensorRegistry = map[string]*Sensor{
	"GMI":   GMI,
	"MHS":   MHS,
	"ATMS":  ATMS,
	"TMI":   TMI,
	"SSMIS": SSMIS,
	"AMSR2": AMSR2,
}

// ConfigurationError indicates an invalid retrieval configuration, such
// as a sensor name with no registered descriptor.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

// SensorByName resolves a sensor name to its descriptor. Unknown names
// result in a *ConfigurationError.
func SensorByName(name string) (*Sensor, error) {
	if s, ok := sensorRegistry[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return s, nil
	}
	return nil, &ConfigurationError{msg: fmt.Sprintf("gprofnn: unsupported sensor %q", name)}
}
