// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// LazyBroadcastPrefix freezes the cache written so far as a shared prefix
// and starts a fresh suffix chunk with numSamples decoding samples per
// prefix entry. The prefix buffers are never copied: attention logits are
// computed per chunk, with queries reshaped to expose the sample axes, and
// joined in a single softmax, so the result matches a decoder whose prefix
// had been physically tiled numSamples times.
//
// After the call the flattened batch size is multiplied by numSamples and
// ExtendStep expects inputs of the new batch size, at global time steps
// starting at the frozen capacity. The call may be repeated to fork again
// from a longer shared prefix.
func (s *DecodingSession) LazyBroadcastPrefix(numSamples, suffixLen int) {
	if numSamples < 1 || suffixLen < 1 {
		Panicf("attentions.DecodingSession.LazyBroadcastPrefix: numSamples and suffixLen must be "+
			"positive, got %d and %d", numSamples, suffixLen)
	}
	if window := s.attn.dconvKernel - 1; window > s.chunks[len(s.chunks)-1].length {
		Panicf("attentions.DecodingSession.LazyBroadcastPrefix: the frozen chunk (length %d) is "+
			"shorter than the dconv window (%d)", s.chunks[len(s.chunks)-1].length, window)
	}
	s.chunks = append(s.chunks, decodeChunk{
		batchSize: s.BatchSize() * numSamples,
		length:    suffixLen,
	})
}

// broadcastToBatch tiles x [chunkBatch, len, numHeads, dimPerHead] to the
// flattened batch [targetBatch, len, numHeads, dimPerHead], with
// targetBatch a multiple of chunkBatch.
func (s *DecodingSession) broadcastToBatch(x *Node, targetBatch int) *Node {
	chunkBatch := x.Shape().Dim(0)
	if chunkBatch == targetBatch {
		return x
	}
	m := targetBatch / chunkBatch
	dims := x.Shape().Dimensions
	x = InsertAxes(x, 1)
	x = BroadcastToDims(x, chunkBatch, m, dims[1], dims[2], dims[3])
	return Reshape(x, targetBatch, dims[1], dims[2], dims[3])
}

// windowedBuffer prepends the last dconvKernel-1 positions of the previous
// chunk to the suffix buffer, so the depthwise convolution of the first
// suffix positions sees the frozen prefix. Returns the buffer to convolve
// over and the number of prepended positions.
func (s *DecodingSession) windowedBuffer(g *Graph, name string, suffixBuf *Node) (*Node, int) {
	window := s.attn.dconvKernel - 1
	if len(s.chunks) == 1 || window < 1 {
		return suffixBuf, 0
	}
	prev := len(s.chunks) - 2
	prevLen := s.chunks[prev].length
	tail := Slice(s.readChunk(g, prev, name),
		AxisRange(), AxisRange(prevLen-window, prevLen))
	tail = s.broadcastToBatch(tail, s.BatchSize())
	return Concatenate([]*Node{tail, suffixBuf}, 1), window
}

// attendChunked runs one-step attention of q [flatBatch, numHeads,
// dimPerHead] against all cache chunks. Per-chunk logits are concatenated
// on the key axis and normalized by one softmax, then the per-chunk
// contexts are summed. mask is additive [1|flatBatch, 1, totalLen] and
// relativeBias is [1|flatBatch, numHeads, totalLen]; either may be nil.
func (s *DecodingSession) attendChunked(g *Graph, q, mask, relativeBias *Node) *Node {
	attn := s.attn
	keyName, valueName := s.keyBufferName(), s.valueBufferName()
	flatBatch := s.BatchSize()
	q = ConvertDType(attn.scaleQuery(q), s.dtype)

	logitsParts := make([]*Node, 0, len(s.chunks))
	for i, c := range s.chunks {
		keys := s.readChunk(g, i, keyName)
		var part *Node
		if c.batchSize == flatBatch {
			part = Einsum("bnh,bsnh->bns", q, keys)
		} else {
			m := flatBatch / c.batchSize
			qPerChunk := Reshape(q, c.batchSize, m, attn.numHeads, attn.dimPerHead)
			part = Einsum("bmnh,bsnh->bmns", qPerChunk, keys)
			part = Reshape(part, flatBatch, attn.numHeads, c.length)
		}
		logitsParts = append(logitsParts, part)
	}
	logits := logitsParts[0]
	if len(logitsParts) > 1 {
		logits = Concatenate(logitsParts, -1)
	}
	if relativeBias != nil {
		logits = Add(logits, ConvertDType(relativeBias, logits.DType()))
	}
	probs := ConvertDType(attn.normalizeLogits(logits, mask), s.dtype)

	var encoded *Node
	offset := 0
	for i, c := range s.chunks {
		chunkProbs := Slice(probs, AxisRange(), AxisRange(), AxisRange(offset, offset+c.length))
		values := s.readChunk(g, i, valueName)
		var chunkContext *Node
		if c.batchSize == flatBatch {
			chunkContext = Einsum("bns,bsnh->bnh", chunkProbs, values)
		} else {
			m := flatBatch / c.batchSize
			perChunk := Reshape(chunkProbs, c.batchSize, m, attn.numHeads, c.length)
			chunkContext = Reshape(
				Einsum("bmns,bsnh->bmnh", perChunk, values),
				flatBatch, attn.numHeads, attn.dimPerHead)
		}
		if encoded == nil {
			encoded = chunkContext
		} else {
			encoded = Add(encoded, chunkContext)
		}
		offset += c.length
	}
	return encoded
}
