// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// rSoftplus0 is 1/softplus(0) = 1/ln(2). With the zero-initialized per-dim
// scale variable, softplus(0)*rSoftplus0 == 1 and PerDimScale starts out as
// the plain 1/sqrt(dim) scaling.
const rSoftplus0 = 1.442695041

// PerDimScale rescales the last axis of x (the per-head dimension) by a
// learned positive factor: rSoftplus0/sqrt(dim) * softplus(scale[d]).
//
// It creates a "per_dim_scale" variable of shape [dim] in the current scope,
// zero-initialized, so the initial behavior matches the standard query
// scaling by 1/sqrt(dim).
func PerDimScale(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dim := x.Shape().Dim(-1)
	scaleVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("per_dim_scale", shapes.Make(x.DType(), dim))
	rootScale := rSoftplus0 / math.Sqrt(float64(dim))
	scale := MulScalar(Softplus(scaleVar.ValueGraph(g)), rootScale)
	return Mul(x, scale)
}

// CapLogits soft-caps logits to [-cap, cap] via cap*tanh(logits/cap).
// A cap <= 0 disables capping and returns logits unchanged.
//
// Capping squashes the negative side too, so it must run before any additive
// mask is applied: capping a mask's large negative values would re-admit
// forbidden positions.
func CapLogits(logits *Node, cap float64) *Node {
	if cap <= 0 {
		return logits
	}
	return MulScalar(Tanh(MulScalar(logits, 1.0/cap)), cap)
}

// softmaxWithExtraLogit is softmax over the last axis with one extra
// constant pseudo-logit included in the normalization only. The extra logit
// bleeds probability mass off the real positions, keeping their logits from
// drifting upward during training.
//
// The max is taken over the real logits and the extra logit, gradients
// blocked, before subtraction and exponentiation; the op order is load
// bearing for reduced-precision stability and must not be reordered.
func softmaxWithExtraLogit(logits *Node, extraLogit float64) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	maxLogit := StopGradient(ReduceAndKeep(logits, ReduceMax, -1))
	extra := Scalar(g, dtype, extraLogit)
	maxLogit = Max(maxLogit, extra)
	expX := Exp(Sub(logits, maxLogit))
	sumExpX := ReduceAndKeep(expX, ReduceSum, -1)
	sumExpX = Add(sumExpX, Exp(Sub(extra, maxLogit)))
	return Div(expX, sumExpX)
}
