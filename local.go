// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/attentions/masks"
)

// LocalSelfAttention restricts self-attention to a sliding window: each
// query attends to the leftContext-1 positions before it, itself, and the
// rightContext positions after it. Instead of materializing the full
// [queryLen, keyLen] logits and masking, the sequence is cut into blocks of
// blockSize queries, each paired with its context of
// blockSize + leftContext - 1 + rightContext keys, reducing cost from
// O(T*S) to O(T*C).
//
// rightContext of 0 gives causal attention. Incremental decoding is not
// supported for this variant.
type LocalSelfAttention struct {
	attn         *DotProductAttention
	blockSize    int
	leftContext  int
	rightContext int

	relPosEmbDim int // 0 disables the Transformer-XL position term
	skipTermB    bool
}

// NewLocal wraps a DotProductAttention layer with windowed attention of the
// given context sizes. leftContext includes the current position and must be
// at least 1; rightContext must be non-negative. The block size defaults to
// max(1, leftContext-1).
//
// The wrapped layer must not carry a relative bias, which this variant does
// not support.
func NewLocal(attn *DotProductAttention, leftContext, rightContext int) *LocalSelfAttention {
	if leftContext < 1 {
		Panicf("attentions.NewLocal: leftContext must be >= 1 (it includes the current position), got %d",
			leftContext)
	}
	if rightContext < 0 {
		Panicf("attentions.NewLocal: rightContext must be >= 0, got %d", rightContext)
	}
	if attn.relBias != nil {
		Panicf("attentions.NewLocal: relative bias is not supported by local attention")
	}
	return &LocalSelfAttention{
		attn:         attn,
		blockSize:    max(1, leftContext-1),
		leftContext:  leftContext,
		rightContext: rightContext,
	}
}

// WithBlockSize overrides the processing block size. It must satisfy
// leftContext <= blockSize+1 and rightContext <= blockSize. The choice
// affect only performance, never the result.
func (l *LocalSelfAttention) WithBlockSize(blockSize int) *LocalSelfAttention {
	if blockSize < 1 {
		Panicf("attentions.LocalSelfAttention: blockSize must be >= 1, got %d", blockSize)
	}
	l.blockSize = blockSize
	return l
}

// WithXL adds the Transformer-XL relative position term to the window
// logits, with sinusoidal embeddings of the given dimension projected per
// head.
func (l *LocalSelfAttention) WithXL(relPosEmbDim int) *LocalSelfAttention {
	if relPosEmbDim <= 0 || relPosEmbDim%2 != 0 {
		Panicf("attentions.LocalSelfAttention: relPosEmbDim must be a positive even number, got %d",
			relPosEmbDim)
	}
	l.relPosEmbDim = relPosEmbDim
	return l
}

// WithSkipTermB drops the query-dependent part of the XL position term,
// keeping only the global per-head position preference. Only meaningful
// together with WithXL.
func (l *LocalSelfAttention) WithSkipTermB(skip bool) *LocalSelfAttention {
	l.skipTermB = skip
	return l
}

// attenLogits computes the window logits [batch, numHeads, numBlocks,
// blockSize, contextSize] from query blocks and key contexts, including the
// XL position term when configured.
func (l *LocalSelfAttention) attenLogits(queryBlocks, keyContext *Node) *Node {
	if l.relPosEmbDim == 0 {
		return Einsum("buwnh,bucnh->bnuwc", queryBlocks, keyContext)
	}
	attn := l.attn
	g := queryBlocks.Graph()
	dtype := queryBlocks.DType()
	n, h := attn.numHeads, attn.dimPerHead
	w := queryBlocks.Shape().Dim(2)
	c := keyContext.Shape().Dim(2)
	f := l.leftContext + l.rightContext

	xlCtx := attn.ctx.In("xl").WithInitializer(initializers.Zero)
	uVar := xlCtx.VariableWithShape("u", shapes.Make(dtype, n, h)).ValueGraph(g)
	vVar := xlCtx.VariableWithShape("v", shapes.Make(dtype, n, h)).ValueGraph(g)

	termAC := Einsum("buwnh,bucnh->bnuwc",
		Add(queryBlocks, ExpandLeftToRank(uVar, 5)), keyContext)

	// Sinusoidal embedding of the window offsets, from leftContext-1 down
	// to -rightContext, projected per head: [f, numHeads, dimPerHead].
	positions := AddScalar(Neg(Iota(g, shapes.Make(dtypes.Int32, 1, f), 1)), float64(l.leftContext-1))
	sinEmb := ConvertDType(SinusoidalPositionalEmbedding(positions, l.relPosEmbDim), dtype)
	sinEmb = Squeeze(InputProjection(attn.ctx.In("pos_proj"), sinEmb, n, h, false, attn.weights), 0)

	var termBD *Node
	zero := ScalarZero(g, dtype)
	if !l.skipTermB {
		// [batch, numHeads, numBlocks, blockSize, f]
		termBD = Einsum("buwnh,fnh->bnuwf",
			Add(queryBlocks, ExpandLeftToRank(vVar, 5)), sinEmb)
		// Relative shift: pad to [.., c, c+1], reshape to [.., c+1, c]
		// which right-shifts row i by i, then keep the first blockSize rows.
		termBD = Pad(termBD, zero,
			PadAxis{}, PadAxis{}, PadAxis{},
			PadAxis{End: c - w}, PadAxis{End: c + 1 - f})
		b := termBD.Shape().Dim(0)
		termBD = Reshape(termBD, b, n, queryBlocks.Shape().Dim(1), c+1, c)
		termBD = Slice(termBD, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, w))
	} else {
		termD := Einsum("nh,fnh->nf", vVar, sinEmb)
		termD = BroadcastToDims(InsertAxes(termD, 1), n, w, f)
		termD = Pad(termD, zero, PadAxis{}, PadAxis{End: c - w}, PadAxis{End: c + 1 - f})
		termD = Reshape(termD, n, c+1, c)
		termD = Slice(termD, AxisRange(), AxisRange(0, w))
		termBD = Reshape(termD, 1, n, 1, w, c)
	}
	return Add(termAC, termBD)
}

// Attend runs windowed self-attention over x shaped
// [batch, seqLen, inputDim]. keyPaddings, when not nil, is [batch, seqLen]
// with 1 at padded positions and 0 elsewhere; padded keys are never
// attended. The result is [batch, seqLen, outputDim].
func (l *LocalSelfAttention) Attend(x, keyPaddings *Node) *Node {
	attn := l.attn
	if x.Rank() != 3 || x.Shape().Dim(-1) != attn.inputDim {
		Panicf("attentions.LocalSelfAttention: x must be [batch, seqLen, %d], got %s",
			attn.inputDim, x.Shape())
	}
	if l.leftContext > l.blockSize+1 || l.rightContext > l.blockSize {
		Panicf("attentions.LocalSelfAttention: blockSize %d too small for contexts (left %d, right %d), "+
			"need leftContext <= blockSize+1 and rightContext <= blockSize",
			l.blockSize, l.leftContext, l.rightContext)
	}
	g := x.Graph()
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	q, k, v := attn.project(x, x, x)
	q, k, v = attn.preprocess(q, k, v)
	q = attn.scaleQuery(q)

	keyContext := extractBlockContext(k, l.blockSize, l.leftContext, l.rightContext, 0)
	valueContext := extractBlockContext(v, l.blockSize, l.leftContext, l.rightContext, 0)
	queryBlocks := convertToBlock(q, l.blockSize, 0)
	u := queryBlocks.Shape().Dim(1)
	c := keyContext.Shape().Dim(2)

	mv := masks.MaskValue(dtypes.Float32)
	window := masks.LocalBlock(g, seqLen, l.blockSize, l.leftContext, l.rightContext)
	mask := Where(window,
		ScalarZero(g, dtypes.Float32),
		Scalar(g, dtypes.Float32, mv))
	mask = Reshape(mask, 1, 1, u, l.blockSize, c)
	if keyPaddings != nil {
		if keyPaddings.Rank() != 2 || keyPaddings.Shape().Dim(0) != batchSize ||
			keyPaddings.Shape().Dim(1) != seqLen {
			Panicf("attentions.LocalSelfAttention: keyPaddings must be [%d, %d], got %s",
				batchSize, seqLen, keyPaddings.Shape())
		}
		padMask := MulScalar(ConvertDType(keyPaddings, dtypes.Float32), mv)
		padContext := extractBlockContext(padMask, l.blockSize, l.leftContext, l.rightContext, mv)
		mask = Min(mask, Reshape(padContext, batchSize, 1, u, 1, c))
	}

	logits := l.attenLogits(queryBlocks, keyContext)
	probs := ConvertDType(attn.normalizeLogits(logits, mask), v.DType())
	if attn.dropoutRate > 0 {
		probs = layers.DropoutStatic(attn.ctx.In("atten_dropout"), probs, attn.dropoutRate)
	}

	encoded := Einsum("bnuwc,bucnh->buwnh", probs, valueContext)
	encoded = Reshape(encoded, batchSize, u*l.blockSize, attn.numHeads, attn.dimPerHead)
	if u*l.blockSize > seqLen {
		encoded = Slice(encoded, AxisRange(), AxisRange(0, seqLen))
	}
	return OutputProjection(attn.ctx.In("post"), encoded, attn.outputDim, attn.useBias, attn.outputNHD, attn.weights)
}
