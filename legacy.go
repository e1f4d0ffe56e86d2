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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Support for running the legacy GPROF retrieval on preprocessor files,
// used to produce reference results to validate the neural network
// retrieval against. The legacy executables must be installed on the
// host.

// legacyExecutables maps GPROF version names to executable names.
var legacyExecutables = map[string]string{
	"V5": "GPROF_2014_V2",
	"V6": "GPROF_2017_V1",
	"V7": "GPROF_2021_V1",
}

func legacyExecutable(version string, sensor *Sensor) (string, error) {
	exe, ok := legacyExecutables[strings.ToUpper(version)]
	if !ok {
		return "", fmt.Errorf("gprofnn: no legacy GPROF executable for version %q", version)
	}
	if sensor.CrossTrack() {
		exe += "_XT"
	}
	return exe, nil
}

// HasLegacyGPROF reports whether the legacy executable of the given
// GPROF version is installed for the sensor.
func HasLegacyGPROF(version string, sensor *Sensor) bool {
	exe, err := legacyExecutable(version, sensor)
	if err != nil {
		return false
	}
	_, err = exec.LookPath(exe)
	return err == nil
}

// WriteSensitivityFile writes a channel sensitivity table in the text
// format the legacy retrieval reads, one channel per line. nedt must
// hold one noise-equivalent delta temperature per sensor channel.
func WriteSensitivityFile(filename string, sensor *Sensor, nedt []float64) error {
	if len(nedt) != sensor.Channels {
		return fmt.Errorf("gprofnn: %d sensitivities for %d %s channels",
			len(nedt), sensor.Channels, sensor.Name)
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("gprofnn: creating sensitivity file %s: %v", filename, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for c, v := range nedt {
		fmt.Fprintf(w, "%3d %8.4f\n", c+1, v)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("gprofnn: writing sensitivity file %s: %v", filename, err)
	}
	return nil
}

// LegacyOptions configures a legacy GPROF run.
type LegacyOptions struct {
	// Version of the GPROF retrieval to run. Defaults to V7.
	Version string

	// Profiles requests hydrometeor profiles in the output.
	Profiles bool

	// Robust turns executable failures into skipped files instead of
	// hard errors.
	Robust bool

	// Sensitivity optionally overrides the channel noise table.
	Sensitivity []float64
}

// RunLegacyGPROF runs the legacy GPROF retrieval on a preprocessor file
// and returns its results. All intermediate files live in a temporary
// work directory that is removed afterwards.
func RunLegacyGPROF(inputFile string, opts LegacyOptions) (*Dataset, error) {
	if opts.Version == "" {
		opts.Version = "V7"
	}
	pp, err := OpenPreprocessorFile(inputFile)
	if err != nil {
		return nil, err
	}
	exe, err := legacyExecutable(opts.Version, pp.Sensor())
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "gprofnn-legacy-*")
	if err != nil {
		return nil, fmt.Errorf("gprofnn: creating work directory: %v", err)
	}
	defer os.RemoveAll(workDir)

	args := []string{inputFile, filepath.Join(workDir, "results.BIN"), filepath.Join(workDir, "gprof.log")}
	if opts.Profiles {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	if opts.Sensitivity != nil {
		sens := filepath.Join(workDir, "sensitivity.txt")
		if err := WriteSensitivityFile(sens, pp.Sensor(), opts.Sensitivity); err != nil {
			return nil, err
		}
		args = append(args, sens)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		log.WithField("file", inputFile).Debug(string(out))
	}
	if err != nil {
		// The executable writes its diagnostics to the log file, not
		// to its output; read it before the work directory goes away.
		excerpt := logExcerpt(out)
		if l, lerr := os.ReadFile(filepath.Join(workDir, "gprof.log")); lerr == nil && len(l) > 0 {
			excerpt = logExcerpt(l)
		}
		err = fmt.Errorf("gprofnn: running %s on %s: %v: %s", exe, inputFile, err, excerpt)
		if opts.Robust {
			return nil, fmt.Errorf("%v: %w", err, ErrSkipped)
		}
		return nil, err
	}
	return ReadRetrievalFile(filepath.Join(workDir, "results.BIN"))
}
