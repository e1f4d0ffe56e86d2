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

package gprofnnutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/NazakRzg/gprof-nn"
	log "github.com/sirupsen/logrus"
)

// runLegacy runs the legacy GPROF retrieval over a list of
// preprocessor files and writes the results as NetCDF into outputDir.
func runLegacy(inputFiles []string, outputDir string, opts gprofnn.LegacyOptions) error {
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return fmt.Errorf("gprofnn: creating output directory %s: %v", outputDir, err)
	}
	failed := 0
	for _, f := range inputFiles {
		results, err := gprofnn.RunLegacyGPROF(f, opts)
		if err != nil {
			if errors.Is(err, gprofnn.ErrSkipped) {
				log.WithFields(log.Fields{"file": f, "error": err}).Warn("Skipping input file")
				continue
			}
			log.WithFields(log.Fields{"file": f, "error": err}).Error("Legacy retrieval failed")
			failed++
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		path := filepath.Join(outputDir, stem+".nc")
		if err := gprofnn.WriteDataset(path, results); err != nil {
			log.WithFields(log.Fields{"file": f, "error": err}).Error("Writing results failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("gprofnn: %d of %d input files failed", failed, len(inputFiles))
	}
	return nil
}
