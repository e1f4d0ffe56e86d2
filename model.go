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

import "github.com/ctessum/sparse"

// ComputeTarget selects the hardware the model runs on. It is explicit
// configuration on the driver rather than process-wide state.
type ComputeTarget int

const (
	CPU ComputeTarget = iota
	Accelerator
)

func (t ComputeTarget) String() string {
	if t == Accelerator {
		return "accelerator"
	}
	return "cpu"
}

// Prediction maps retrieval target names to the raw network output for
// one batch. Models retrieving only surface precipitation use the
// single key "surface_precip".
type Prediction map[string]*sparse.DenseArray

// Model is the trained quantile/density regression network, treated as
// an opaque collaborator. Implementations must evaluate Predict without
// gradient tracking; gradient-capable models additionally implement
// GradientModel.
type Model interface {
	// Predict runs the network on one batch of input features.
	Predict(x *sparse.DenseArray, target ComputeTarget) (Prediction, error)

	// PosteriorMean reduces raw predictions to their posterior mean,
	// shaped like the input batch without the quantile axis.
	PosteriorMean(pred Prediction) (map[string]*sparse.DenseArray, error)

	// PosteriorQuantiles evaluates the given posterior quantiles of
	// the prediction for one target. The quantile axis of the result
	// is axis 1.
	PosteriorQuantiles(pred *sparse.DenseArray, quantiles []float64, key string) (*sparse.DenseArray, error)

	// ProbabilityLargerThan evaluates the posterior probability that
	// the target exceeds y, shaped like the posterior mean.
	ProbabilityLargerThan(pred *sparse.DenseArray, y float64, key string) (*sparse.DenseArray, error)
}

// GradientModel is a Model that can also compute the sensitivity of a
// target's posterior mean to the network input. Implementations must
// zero any accumulated gradient state between calls so that batches do
// not contaminate each other.
type GradientModel interface {
	Model

	// Gradients returns d(posterior mean of key)/dx, shaped like x.
	Gradients(x *sparse.DenseArray, key string, target ComputeTarget) (*sparse.DenseArray, error)
}
