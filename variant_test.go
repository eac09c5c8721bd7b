// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"testing"
)

func TestVariantKinds(t *testing.T) {
	attn := func() *DotProductAttention { return &DotProductAttention{numHeads: 2, dimPerHead: 2} }
	for _, test := range []struct {
		variant     Variant
		want        Kind
		incremental bool
	}{
		{attn(), KindDotProduct, true},
		{&LocalSelfAttention{attn: attn(), blockSize: 1, leftContext: 2}, KindLocal, false},
		{&LocalSelfAttention{attn: attn(), blockSize: 1, leftContext: 2, relPosEmbDim: 4}, KindLocalXL, false},
		{&AttentionXL{attn: attn(), relPosEmbDim: 4}, KindXL, false},
		{&ChunkedCrossAttention{attn: attn()}, KindChunkedCross, false},
	} {
		if got := test.variant.Kind(); got != test.want {
			t.Errorf("Kind() = %s, want %s", got, test.want)
		}
		if got := test.variant.Kind().SupportsIncrementalDecoding(); got != test.incremental {
			t.Errorf("%s.SupportsIncrementalDecoding() = %v, want %v", test.want, got, test.incremental)
		}
	}
}
