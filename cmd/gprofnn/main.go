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

// Command gprofnn is a command-line interface for the GPROF-NN
// satellite precipitation retrieval.
package main

import (
	"fmt"
	"os"

	"github.com/NazakRzg/gprof-nn/gprofnnutil"
)

func main() {
	if err := gprofnnutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
