// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// TransformerBlock applies one pre-norm transformer block to x shaped
// [batch, seqLen, modelDim]: layer normalization, the given attention layer
// as self-attention with mask, and a residual connection, followed by a
// normalized two-layer feed-forward network with Gelu and a second
// residual. ffnHiddenDim is the width of the feed-forward hidden layer.
//
// The attention layer's output dimension must match x's model dimension for
// the residual to hold.
func TransformerBlock(ctx *context.Context, attn *DotProductAttention, x, mask *Node,
	ffnHiddenDim int, dropoutRate float64) *Node {
	modelDim := x.Shape().Dim(-1)
	if attn.outputDim != modelDim {
		Panicf("attentions.TransformerBlock: attention output dimension (%d) must match the "+
			"model dimension (%d)", attn.outputDim, modelDim)
	}
	residual := x
	h := layers.LayerNormalization(ctx.In("attn_norm"), x, -1).Done()
	h = attn.Attend(h, h, h, mask)
	if dropoutRate > 0 {
		h = layers.DropoutStatic(ctx.In("attn_drop"), h, dropoutRate)
	}
	x = Add(residual, h)

	residual = x
	h = layers.LayerNormalization(ctx.In("ffn_norm"), x, -1).Done()
	h = layers.Dense(ctx.In("ffn_hidden"), h, true, ffnHiddenDim)
	h = activations.Gelu(h)
	h = layers.Dense(ctx.In("ffn_output"), h, true, modelDim)
	if dropoutRate > 0 {
		h = layers.DropoutStatic(ctx.In("ffn_drop"), h, dropoutRate)
	}
	return Add(residual, h)
}

// TransformerBlockPrefill is TransformerBlock with the attention routed
// through a DecodingSession's Prefill, so the prompt both produces outputs
// and fills the decode cache. Follow with TransformerBlockStep on the same
// context and session to decode.
func TransformerBlockPrefill(ctx *context.Context, session *DecodingSession, x, mask *Node,
	ffnHiddenDim int) *Node {
	modelDim := x.Shape().Dim(-1)
	if session.attn.outputDim != modelDim {
		Panicf("attentions.TransformerBlockPrefill: attention output dimension (%d) must match "+
			"the model dimension (%d)", session.attn.outputDim, modelDim)
	}
	residual := x
	h := layers.LayerNormalization(ctx.In("attn_norm"), x, -1).Done()
	h = session.Prefill(h, mask)
	x = Add(residual, h)

	residual = x
	h = layers.LayerNormalization(ctx.In("ffn_norm"), x, -1).Done()
	h = layers.Dense(ctx.In("ffn_hidden"), h, true, ffnHiddenDim)
	h = activations.Gelu(h)
	h = layers.Dense(ctx.In("ffn_output"), h, true, modelDim)
	return Add(residual, h)
}

// TransformerBlockStep is the incremental form of TransformerBlock for one
// decoding step: x is [batch, modelDim], and attention runs through the
// given DecodingSession at timeStep. Variables are shared with
// TransformerBlock and TransformerBlockPrefill when called with the same
// context, so prefilling and stepping produce consistent results.
func TransformerBlockStep(ctx *context.Context, session *DecodingSession, x, timeStep *Node,
	ffnHiddenDim int) *Node {
	modelDim := x.Shape().Dim(-1)
	if session.attn.outputDim != modelDim {
		Panicf("attentions.TransformerBlockStep: attention output dimension (%d) must match the "+
			"model dimension (%d)", session.attn.outputDim, modelDim)
	}
	residual := x
	h := layers.LayerNormalization(ctx.In("attn_norm"), x, -1).Done()
	h = session.ExtendStep(h, timeStep)
	x = Add(residual, h)

	residual = x
	h = layers.LayerNormalization(ctx.In("ffn_norm"), x, -1).Done()
	h = layers.Dense(ctx.In("ffn_hidden"), h, true, ffnHiddenDim)
	h = activations.Gelu(h)
	h = layers.Dense(ctx.In("ffn_output"), h, true, modelDim)
	return Add(residual, h)
}
