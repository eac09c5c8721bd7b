// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attentions implements configurable multi-head attention layers:
// scaled dot-product attention with additive masks, learned relative
// position biases, rotary position embeddings, logit capping, per-dimension
// query scaling, depthwise causal convolution of queries and keys, and
// incremental decoding with key/value caches shared across samples through
// lazy prefix broadcast. Windowed local attention, Transformer-XL style
// relative attention and chunked cross-attention build on the same core.
//
// Layers follow the builder pattern: create one with New (or the
// variant-specific constructors), chain With* configuration calls, then call
// Attend inside a graph building function. Variables live in the
// context scope the layer was created with.
package attentions

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention/pos"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamDropoutRate is the context parameter that sets the default dropout
	// rate applied to the attention probabilities during training.
	// The default is 0.0, meaning disabled. See DotProductAttention.WithDropout.
	ParamDropoutRate = "attentions_dropout_rate"

	// ParamLogitsSoftCap is the context parameter that sets the default
	// tanh soft-cap applied to the attention logits.
	// The default is 0.0, meaning disabled. See DotProductAttention.WithLogitsCap.
	ParamLogitsSoftCap = "attentions_logits_soft_cap"
)

// DotProductAttention is a multi-head scaled dot-product attention layer.
//
// The forward pass projects queries, keys and values to [batch, seqLen,
// numHeads, dimPerHead], optionally runs them through a causal depthwise
// convolution and rotary position embedding, computes per-head logits,
// applies relative bias, logit capping and the additive mask, normalizes
// with a (possibly extra-logit) softmax in float32, and projects the
// attended values back to the output dimension.
type DotProductAttention struct {
	ctx         *context.Context
	inputDim    int
	hiddenDim   int
	numHeads    int
	dimPerHead  int
	outputDim   int
	useBias     bool
	combinedQKV bool
	outputNHD   bool

	usePerDimScale bool
	logitsCap      float64
	extraLogit     *float64
	dropoutRate    float64

	relBias     *RelativeBias
	rope        *pos.RoPE
	dconvKernel int

	weights WeightProvider
}

// New creates a DotProductAttention layer projecting inputDim features to
// numHeads heads of hiddenDim/numHeads dimensions each. Variables are
// created in the given context scope.
//
// Defaults: no bias on projections, separate query/key/value projections,
// output dimension equal to inputDim, query scaled by 1/sqrt(dimPerHead),
// plain softmax, no dropout, no position information. The dropout rate and
// logits soft-cap defaults can also be set with the context parameters
// [ParamDropoutRate] and [ParamLogitsSoftCap].
func New(ctx *context.Context, inputDim, hiddenDim, numHeads int) *DotProductAttention {
	if inputDim <= 0 || hiddenDim <= 0 || numHeads <= 0 {
		Panicf("attentions.New: inputDim, hiddenDim and numHeads must be positive, got %d, %d and %d",
			inputDim, hiddenDim, numHeads)
	}
	if hiddenDim%numHeads != 0 {
		Panicf("attentions.New: hiddenDim (%d) must be divisible by numHeads (%d)", hiddenDim, numHeads)
	}
	// The layer is re-entered during incremental decoding, with projection
	// and scaling variables legitimately shared between the full and the
	// step forms, so reuse checks are disabled.
	return &DotProductAttention{
		ctx:         ctx.Checked(false),
		inputDim:    inputDim,
		hiddenDim:   hiddenDim,
		numHeads:    numHeads,
		dimPerHead:  hiddenDim / numHeads,
		outputDim:   inputDim,
		dropoutRate: context.GetParamOr(ctx, ParamDropoutRate, 0.0),
		logitsCap:   context.GetParamOr(ctx, ParamLogitsSoftCap, 0.0),
		weights:     ContextWeights{},
	}
}

// WithDimPerHead overrides the per-head dimension, decoupling it from
// hiddenDim/numHeads.
func (a *DotProductAttention) WithDimPerHead(dimPerHead int) *DotProductAttention {
	if dimPerHead <= 0 {
		Panicf("attentions.DotProductAttention: dimPerHead must be positive, got %d", dimPerHead)
	}
	a.dimPerHead = dimPerHead
	return a
}

// WithOutputDim sets the dimension of the final projection. Default is the
// input dimension.
func (a *DotProductAttention) WithOutputDim(outputDim int) *DotProductAttention {
	if outputDim <= 0 {
		Panicf("attentions.DotProductAttention: outputDim must be positive, got %d", outputDim)
	}
	a.outputDim = outputDim
	return a
}

// WithBias enables bias terms on all projections.
func (a *DotProductAttention) WithBias(useBias bool) *DotProductAttention {
	a.useBias = useBias
	return a
}

// WithCombinedQKV fuses the query, key and value projections into one
// variable. Only valid for self-attention: Attend panics if the query, key
// and value inputs are not the same node.
func (a *DotProductAttention) WithCombinedQKV(combined bool) *DotProductAttention {
	a.combinedQKV = combined
	return a
}

// WithNHDOutput stores the output projection weights as
// [numHeads, dimPerHead, outputDim] instead of the default
// [outputDim, numHeads, dimPerHead]. The result is unchanged, only the
// variable layout differs.
func (a *DotProductAttention) WithNHDOutput(nhd bool) *DotProductAttention {
	a.outputNHD = nhd
	return a
}

// WithPerDimScale replaces the fixed 1/sqrt(dimPerHead) query scaling with
// a learned per-dimension scale (see PerDimScale).
func (a *DotProductAttention) WithPerDimScale(enabled bool) *DotProductAttention {
	a.usePerDimScale = enabled
	return a
}

// WithLogitsCap bounds attention logits to (-cap, cap) with a tanh before
// masking. cap <= 0 disables capping.
func (a *DotProductAttention) WithLogitsCap(cap float64) *DotProductAttention {
	a.logitsCap = cap
	return a
}

// WithExtraLogit adds a virtual logit of the given value to the softmax
// partition function, letting heads attend to nothing. See
// softmaxWithExtraLogit for the exact computation.
func (a *DotProductAttention) WithExtraLogit(extraLogit float64) *DotProductAttention {
	a.extraLogit = &extraLogit
	return a
}

// WithDropout applies dropout with the given rate to the attention
// probabilities during training.
func (a *DotProductAttention) WithDropout(rate float64) *DotProductAttention {
	if rate < 0 || rate >= 1 {
		Panicf("attentions.DotProductAttention: dropout rate must be in [0, 1), got %g", rate)
	}
	a.dropoutRate = rate
	return a
}

// WithRelativeBias adds a learned relative position bias to the logits.
// The RelativeBias must be built for the same number of heads.
func (a *DotProductAttention) WithRelativeBias(rb *RelativeBias) *DotProductAttention {
	if rb.numHeads != a.numHeads {
		Panicf("attentions.DotProductAttention: relative bias has %d heads, layer has %d",
			rb.numHeads, a.numHeads)
	}
	a.relBias = rb
	return a
}

// WithRotary applies rotary position embeddings with the given base
// frequency (typically 10000) to queries and keys after projection.
func (a *DotProductAttention) WithRotary(baseFreq float64) *DotProductAttention {
	a.rope = pos.NewRoPE(baseFreq)
	return a
}

// WithDepthwiseConv runs queries, keys and values through causal depthwise
// convolutions with the given number of taps after projection.
func (a *DotProductAttention) WithDepthwiseConv(kernelSize int) *DotProductAttention {
	if kernelSize < 1 {
		Panicf("attentions.DotProductAttention: dconv kernelSize must be >= 1, got %d", kernelSize)
	}
	a.dconvKernel = kernelSize
	return a
}

// WithWeights sets the provider of projection weights, defaulting to plain
// context variables. See WeightProvider and LowRankAdapter.
func (a *DotProductAttention) WithWeights(weights WeightProvider) *DotProductAttention {
	a.weights = weights
	return a
}

func (a *DotProductAttention) dconv(scope string) *CausalDepthwiseConv1D {
	return NewCausalDepthwiseConv1D(a.ctx.In(scope), a.dconvKernel, a.numHeads, a.dimPerHead)
}

// project runs the input projections, returning q, k and v shaped
// [batch, seqLen, numHeads, dimPerHead].
func (a *DotProductAttention) project(query, key, value *Node) (q, k, v *Node) {
	if a.combinedQKV {
		if key != query || value != query {
			Panicf("attentions.DotProductAttention: combined QKV projection requires self-attention, " +
				"query, key and value must be the same node")
		}
		return CombinedQKVProjection(a.ctx.In("combined_qkv"), query, a.numHeads, a.dimPerHead, a.useBias, a.weights)
	}
	q = InputProjection(a.ctx.In("query"), query, a.numHeads, a.dimPerHead, a.useBias, a.weights)
	k = InputProjection(a.ctx.In("key"), key, a.numHeads, a.dimPerHead, a.useBias, a.weights)
	v = InputProjection(a.ctx.In("value"), value, a.numHeads, a.dimPerHead, a.useBias, a.weights)
	return
}

// scaleQuery applies the configured scaling to projected queries.
func (a *DotProductAttention) scaleQuery(q *Node) *Node {
	if a.usePerDimScale {
		return PerDimScale(a.ctx.In("per_dim_scale"), q)
	}
	return MulScalar(q, 1.0/math.Sqrt(float64(a.dimPerHead)))
}

// checkMask validates an additive attention mask against the logits shape
// [batch, numHeads, queryLen, keyLen]. All axes but the key axis may be 1
// and broadcast, matching the masks package outputs.
func (a *DotProductAttention) checkMask(mask *Node, batchSize, queryLen, keyLen int) {
	shape := mask.Shape()
	ok := mask.Rank() == 4 &&
		(shape.Dim(0) == batchSize || shape.Dim(0) == 1) &&
		(shape.Dim(1) == a.numHeads || shape.Dim(1) == 1) &&
		(shape.Dim(2) == queryLen || shape.Dim(2) == 1) &&
		shape.Dim(3) == keyLen
	if !ok {
		Panicf("attentions.DotProductAttention: mask must be [batch|1, numHeads|1, %d|1, %d] "+
			"for batch %d and %d heads, got %s", queryLen, keyLen, batchSize, a.numHeads, mask.Shape())
	}
}

// normalizeLogits applies the shared tail of every attention variant to raw
// logits whose last axis enumerates the attended positions: logit capping,
// conversion to float32, the additive mask (broadcastable to the logits
// shape, may be nil) and the configured softmax.
func (a *DotProductAttention) normalizeLogits(logits, mask *Node) *Node {
	logits = CapLogits(logits, a.logitsCap)
	logits = ConvertDType(logits, dtypes.Float32)
	if mask != nil {
		logits = Add(logits, ConvertDType(mask, dtypes.Float32))
	}
	if a.extraLogit != nil {
		return softmaxWithExtraLogit(logits, *a.extraLogit)
	}
	return Softmax(logits)
}

// attendProjected runs the attention core on projected inputs: q shaped
// [batch, queryLen, numHeads, dimPerHead], k and v
// [batch, keyLen, numHeads, dimPerHead]. mask is an additive float mask
// [batch|1, 1|numHeads, queryLen, keyLen] or nil; relativeBias is
// [batch|1, numHeads, queryLen, keyLen] or nil. Returns the attended values
// [batch, queryLen, numHeads, dimPerHead] and the attention probabilities
// [batch, numHeads, queryLen, keyLen].
func (a *DotProductAttention) attendProjected(q, k, v, mask, relativeBias *Node) (encoded, probs *Node) {
	q = a.scaleQuery(q)
	logits := Einsum("btnh,bsnh->bnts", q, k)
	if relativeBias != nil {
		logits = Add(logits, ConvertDType(relativeBias, logits.DType()))
	}
	if mask != nil {
		a.checkMask(mask, q.Shape().Dim(0), q.Shape().Dim(1), k.Shape().Dim(1))
	}
	probs = ConvertDType(a.normalizeLogits(logits, mask), v.DType())
	if a.dropoutRate > 0 {
		probs = layers.DropoutStatic(a.ctx.In("atten_dropout"), probs, a.dropoutRate)
	}
	encoded = Einsum("bnts,bsnh->btnh", probs, v)
	return
}

// attendOneStep is the single-query form of attendProjected for incremental
// decoding: q is [batch, numHeads, dimPerHead], k and v are the accumulated
// states [batch, keyLen, numHeads, dimPerHead], mask is additive
// [batch|1, 1, keyLen] or nil and relativeBias is
// [batch|1, numHeads, 1, keyLen] or nil. Returns the attended values
// [batch, numHeads, dimPerHead] and probabilities [batch, numHeads, keyLen].
func (a *DotProductAttention) attendOneStep(q, k, v, mask, relativeBias *Node) (encoded, probs *Node) {
	q = a.scaleQuery(q)
	logits := Einsum("bnh,bsnh->bns", q, k)
	if relativeBias != nil {
		logits = Add(logits, ConvertDType(Squeeze(relativeBias, 2), logits.DType()))
	}
	if mask != nil && (mask.Rank() != 3 || mask.Shape().Dim(1) != 1) {
		Panicf("attentions.DotProductAttention: step mask must be [batch|1, 1, keyLen], got %s",
			mask.Shape())
	}
	probs = ConvertDType(a.normalizeLogits(logits, mask), v.DType())
	encoded = Einsum("bns,bsnh->bnh", probs, v)
	return
}

// preprocess applies the optional depthwise convolutions and rotary
// embeddings to the projected q, k and v.
func (a *DotProductAttention) preprocess(q, k, v *Node) (_, _, _ *Node) {
	if a.dconvKernel > 0 {
		q = a.dconv("dconv_q").Apply(q, nil)
		k = a.dconv("dconv_k").Apply(k, nil)
		v = a.dconv("dconv_v").Apply(v, nil)
	}
	if a.rope != nil {
		g := q.Graph()
		qPos := Iota(g, shapes.Make(dtypes.Int32, q.Shape().Dim(0), q.Shape().Dim(1)), 1)
		kPos := Iota(g, shapes.Make(dtypes.Int32, k.Shape().Dim(0), k.Shape().Dim(1)), 1)
		q = a.rope.Apply(q, qPos, 1)
		k = a.rope.Apply(k, kPos, 1)
	}
	return q, k, v
}

// Attend runs the full-sequence attention. query is
// [batch, queryLen, inputDim], key and value are [batch, keyLen, inputDim]
// (pass query for all three for self-attention), and mask is an additive
// float mask [batch|1, 1|numHeads, queryLen, keyLen] built with the masks
// package, or nil for unrestricted attention. The result is
// [batch, queryLen, outputDim].
func (a *DotProductAttention) Attend(query, key, value, mask *Node) *Node {
	encoded, _ := a.AttendAndWeights(query, key, value, mask)
	return encoded
}

// AttendAndWeights is Attend returning also the attention probabilities
// [batch, numHeads, queryLen, keyLen].
func (a *DotProductAttention) AttendAndWeights(query, key, value, mask *Node) (encoded, probs *Node) {
	for _, x := range []*Node{query, key, value} {
		if x.Rank() != 3 || x.Shape().Dim(-1) != a.inputDim {
			Panicf("attentions.DotProductAttention: inputs must be [batch, seqLen, %d], got %s",
				a.inputDim, x.Shape())
		}
	}
	if key.Shape().Dim(1) != value.Shape().Dim(1) {
		Panicf("attentions.DotProductAttention: key and value lengths differ: %s vs %s",
			key.Shape(), value.Shape())
	}
	q, k, v := a.project(query, key, value)
	q, k, v = a.preprocess(q, k, v)
	var relativeBias *Node
	if a.relBias != nil {
		relativeBias = a.relBias.BiasForLengths(q.Graph(), q.Shape().Dim(1), k.Shape().Dim(1))
	}
	attended, probs := a.attendProjected(q, k, v, mask, relativeBias)
	encoded = OutputProjection(a.ctx.In("post"), attended, a.outputDim, a.useBias, a.outputNHD, a.weights)
	return encoded, probs
}
