// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

//go:generate go tool enumer -type=Kind -trimprefix=Kind -output=gen_kind_enumer.go variant.go

// Kind identifies an attention variant implemented by this package.
type Kind int

const (
	// KindDotProduct is the full-sequence multi-head attention of
	// DotProductAttention.
	KindDotProduct Kind = iota
	// KindLocal is windowed self-attention, LocalSelfAttention.
	KindLocal
	// KindXL is Transformer-XL relative attention, AttentionXL.
	KindXL
	// KindLocalXL is windowed self-attention with the XL position term,
	// LocalSelfAttention configured with WithXL.
	KindLocalXL
	// KindChunkedCross is the RETRO chunked cross-attention,
	// ChunkedCrossAttention.
	KindChunkedCross
)

// SupportsIncrementalDecoding reports whether the variant can run
// token-by-token with a DecodingSession. Only plain dot-product attention
// can; the other variants panic if stepped.
func (k Kind) SupportsIncrementalDecoding() bool {
	return k == KindDotProduct
}

// Variant is implemented by every attention layer in this package.
type Variant interface {
	Kind() Kind
}

// Kind implements Variant.
func (a *DotProductAttention) Kind() Kind { return KindDotProduct }

// Kind implements Variant.
func (l *LocalSelfAttention) Kind() Kind {
	if l.relPosEmbDim > 0 {
		return KindLocalXL
	}
	return KindLocal
}

// Kind implements Variant.
func (x *AttentionXL) Kind() Kind { return KindXL }

// Kind implements Variant.
func (cca *ChunkedCrossAttention) Kind() Kind { return KindChunkedCross }
