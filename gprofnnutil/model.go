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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/NazakRzg/gprof-nn"
)

// ModelLoaders maps model file extensions to functions that load a
// trained model from disk. Applications embedding the retrieval
// register their inference backends here before executing Root.
var ModelLoaders = map[string]func(path string) (gprofnn.Model, error){}

func loadModel(path string) (gprofnn.Model, error) {
	if path == "" {
		return nil, fmt.Errorf("gprofnn: no model specified")
	}
	ext := strings.ToLower(filepath.Ext(path))
	load, ok := ModelLoaders[ext]
	if !ok {
		return nil, fmt.Errorf("gprofnn: no model loader registered for %q files", ext)
	}
	return load(path)
}
