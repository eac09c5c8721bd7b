// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentions

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/google/uuid"

	"github.com/gomlx/attentions/masks"
)

// Decode state buffer names. Attention reads the last buffer of the chain
// that is enabled by the layer configuration.
const (
	keyState       = "key_state"
	valueState     = "value_state"
	queryState     = "query_state"
	keyPostDConv   = "key_post_dconv"
	valuePostDConv = "value_post_dconv"
	keyPostRotary  = "key_post_rotary"
)

// decodeChunk describes one segment of the decode cache. The first chunk is
// created with the session; LazyBroadcastPrefix freezes the current chunk
// and appends a new one with a larger flattened batch.
type decodeChunk struct {
	batchSize int // flattened: original batch times all sample factors so far
	length    int
}

// DecodingSession holds the key/value cache of one autoregressive decoding
// run of a DotProductAttention layer. States are context variables scoped
// under a session-unique name, so several sessions can share the layer's
// weights without sharing caches.
//
// Typical use: call Prefill once with the prompt, then ExtendStep once per
// generated token. All calls happen inside graph building functions
// executed with the same context.
type DecodingSession struct {
	attn   *DotProductAttention
	ctx    *context.Context
	dtype  dtypes.DType
	chunks []decodeChunk
}

// NewDecodingSession creates a decoding session for batchSize sequences of
// up to maxLen tokens, with cache buffers of the given dtype.
func (a *DotProductAttention) NewDecodingSession(batchSize, maxLen int, dtype dtypes.DType) *DecodingSession {
	if batchSize <= 0 || maxLen <= 0 {
		Panicf("attentions.NewDecodingSession: batchSize and maxLen must be positive, got %d and %d",
			batchSize, maxLen)
	}
	if !dtype.IsFloat() {
		Panicf("attentions.NewDecodingSession: cache dtype must be a float type, got %s", dtype)
	}
	ctx := a.ctx.In("decode").In(uuid.NewString()).WithInitializer(initializers.Zero)
	return &DecodingSession{
		attn:   a,
		ctx:    ctx,
		dtype:  dtype,
		chunks: []decodeChunk{{batchSize: batchSize, length: maxLen}},
	}
}

// BatchSize returns the flattened batch size of the current (suffix) chunk.
func (s *DecodingSession) BatchSize() int { return s.chunks[len(s.chunks)-1].batchSize }

// TotalLength returns the total cache capacity across all chunks.
func (s *DecodingSession) TotalLength() int {
	total := 0
	for _, c := range s.chunks {
		total += c.length
	}
	return total
}

// prefixLength is the capacity of all frozen chunks, which is also the
// global position where the current suffix chunk starts.
func (s *DecodingSession) prefixLength() int {
	return s.TotalLength() - s.chunks[len(s.chunks)-1].length
}

// stateVar returns the cache variable of the given chunk.
func (s *DecodingSession) stateVar(chunk int, name string) *context.Variable {
	c := s.chunks[chunk]
	shape := shapes.Make(s.dtype, c.batchSize, c.length, s.attn.numHeads, s.attn.dimPerHead)
	return s.ctx.VariableWithShape(fmt.Sprintf("%s_%d", name, chunk), shape)
}

// bufferNames lists the cache buffers the session maintains, depending on
// the layer configuration.
func (s *DecodingSession) bufferNames() []string {
	names := []string{keyState, valueState}
	if s.attn.dconvKernel > 0 {
		names = append(names, queryState, keyPostDConv, valuePostDConv)
	}
	if s.attn.rope != nil {
		names = append(names, keyPostRotary)
	}
	return names
}

// CacheMemory returns the total size in bytes of the session's cache
// buffers, across all chunks. With a lazily broadcast prefix this is
// smaller than batch times capacity, which is the point of the broadcast.
func (s *DecodingSession) CacheMemory() uintptr {
	names := s.bufferNames()
	var total uintptr
	for _, c := range s.chunks {
		shape := shapes.Make(s.dtype, c.batchSize, c.length, s.attn.numHeads, s.attn.dimPerHead)
		total += shape.Memory() * uintptr(len(names))
	}
	return total
}

// readChunk returns the cache buffer of the given chunk,
// [chunkBatch, chunkLen, numHeads, dimPerHead].
func (s *DecodingSession) readChunk(g *Graph, chunk int, name string) *Node {
	return s.stateVar(chunk, name).ValueGraph(g)
}

// writeStep writes token [batch, numHeads, dimPerHead] at writeIndex
// (scalar int32, relative to the suffix chunk) into the suffix buffer and
// returns the updated buffer.
func (s *DecodingSession) writeStep(g *Graph, name string, token, writeIndex *Node) *Node {
	v := s.stateVar(len(s.chunks)-1, name)
	buf := v.ValueGraph(g)
	zero := ScalarZero(g, dtypes.Int32)
	buf = DynamicUpdateSlice(buf, InsertAxes(token, 1), []*Node{zero, writeIndex, zero, zero})
	v.SetValueGraph(buf)
	return buf
}

// writeSeq writes seq [batch, seqLen, numHeads, dimPerHead] at the start of
// the chunk-0 buffer.
func (s *DecodingSession) writeSeq(g *Graph, name string, seq *Node) {
	v := s.stateVar(0, name)
	buf := v.ValueGraph(g)
	zero := ScalarZero(g, dtypes.Int32)
	buf = DynamicUpdateSlice(buf, seq, []*Node{zero, zero, zero, zero})
	v.SetValueGraph(buf)
}

// keyBufferName returns the name of the key buffer attention reads, the
// last of the raw / post-dconv / post-rotary chain that is enabled.
func (s *DecodingSession) keyBufferName() string {
	name := keyState
	if s.attn.dconvKernel > 0 {
		name = keyPostDConv
	}
	if s.attn.rope != nil {
		name = keyPostRotary
	}
	return name
}

// valueBufferName is the value analogue of keyBufferName.
func (s *DecodingSession) valueBufferName() string {
	if s.attn.dconvKernel > 0 {
		return valuePostDConv
	}
	return valueState
}

// stepMask builds the additive causal mask [1, 1, totalLen] for a step at
// global position timeStep: positions after timeStep cannot be attended.
func (s *DecodingSession) stepMask(g *Graph, timeStep *Node) *Node {
	total := s.TotalLength()
	positions := Iota(g, shapes.Make(dtypes.Int32, 1, 1, total), 2)
	valid := LessOrEqual(positions, ConvertDType(timeStep, dtypes.Int32))
	return Where(
		valid,
		ScalarZero(g, s.dtype),
		Scalar(g, s.dtype, masks.MaskValue(s.dtype)))
}

// Prefill processes the prompt x shaped [batch, promptLen, inputDim],
// writing all cache buffers for positions 0..promptLen-1 and returning the
// full attention output [batch, promptLen, outputDim]. mask is an additive
// mask [batch|1, 1|numHeads, promptLen, promptLen] or nil; for causal
// decoding pass masks.Causal.
//
// Prefill must come before any LazyBroadcastPrefix call.
func (s *DecodingSession) Prefill(x, mask *Node) *Node {
	if len(s.chunks) > 1 {
		Panicf("attentions.DecodingSession.Prefill: cannot prefill after LazyBroadcastPrefix")
	}
	if x.Rank() != 3 || x.Shape().Dim(-1) != s.attn.inputDim {
		Panicf("attentions.DecodingSession.Prefill: x must be [batch, promptLen, %d], got %s",
			s.attn.inputDim, x.Shape())
	}
	if x.Shape().Dim(0) != s.chunks[0].batchSize || x.Shape().Dim(1) > s.chunks[0].length {
		Panicf("attentions.DecodingSession.Prefill: x (%s) exceeds the cache [batch=%d, maxLen=%d]",
			x.Shape(), s.chunks[0].batchSize, s.chunks[0].length)
	}
	attn := s.attn
	g := x.Graph()
	promptLen := x.Shape().Dim(1)
	q, k, v := attn.project(x, x, x)
	s.writeSeq(g, keyState, ConvertDType(k, s.dtype))
	s.writeSeq(g, valueState, ConvertDType(v, s.dtype))
	if attn.dconvKernel > 0 {
		s.writeSeq(g, queryState, ConvertDType(q, s.dtype))
		q = attn.dconv("dconv_q").Apply(q, nil)
		k = attn.dconv("dconv_k").Apply(k, nil)
		v = attn.dconv("dconv_v").Apply(v, nil)
		s.writeSeq(g, keyPostDConv, ConvertDType(k, s.dtype))
		s.writeSeq(g, valuePostDConv, ConvertDType(v, s.dtype))
	}
	if attn.rope != nil {
		positions := Iota(g, shapes.Make(dtypes.Int32, x.Shape().Dim(0), promptLen), 1)
		q = attn.rope.Apply(q, positions, 1)
		k = attn.rope.Apply(k, positions, 1)
		s.writeSeq(g, keyPostRotary, ConvertDType(k, s.dtype))
	}
	var relativeBias *Node
	if attn.relBias != nil {
		relativeBias = attn.relBias.BiasForLengths(g, promptLen, promptLen)
	}
	encoded, _ := attn.attendProjected(q, k, v, mask, relativeBias)
	return OutputProjection(attn.ctx.In("post"), encoded, attn.outputDim, attn.useBias, attn.outputNHD, attn.weights)
}

// ExtendStep decodes one token: x is [batch, inputDim] with batch equal to
// the current flattened batch size, and timeStep is the scalar global
// position of the token (int). It updates the cache and returns the
// attention output [batch, outputDim].
//
// Attention covers cache positions 0..timeStep; the causal mask is built
// internally. Steps may be issued at any position not yet past maxLen,
// overwriting previous writes at the same position.
func (s *DecodingSession) ExtendStep(x, timeStep *Node) *Node {
	attn := s.attn
	if x.Rank() != 2 || x.Shape().Dim(-1) != attn.inputDim {
		Panicf("attentions.DecodingSession.ExtendStep: x must be [batch, %d], got %s",
			attn.inputDim, x.Shape())
	}
	if x.Shape().Dim(0) != s.BatchSize() {
		Panicf("attentions.DecodingSession.ExtendStep: x batch (%d) must match the current "+
			"flattened batch (%d)", x.Shape().Dim(0), s.BatchSize())
	}
	if !timeStep.Shape().IsScalar() {
		Panicf("attentions.DecodingSession.ExtendStep: timeStep must be a scalar, got %s",
			timeStep.Shape())
	}
	g := x.Graph()
	timeStep = ConvertDType(timeStep, dtypes.Int32)
	writeIndex := AddScalar(timeStep, -float64(s.prefixLength()))

	q, k, v := attn.project(x, x, x)
	q = ConvertDType(q, s.dtype)
	k = ConvertDType(k, s.dtype)
	v = ConvertDType(v, s.dtype)
	s.writeStep(g, keyState, k, writeIndex)
	s.writeStep(g, valueState, v, writeIndex)

	if attn.dconvKernel > 0 {
		qBuf := s.writeStep(g, queryState, q, writeIndex)
		qWindow, offset := s.windowedBuffer(g, queryState, qBuf)
		kWindow, _ := s.windowedBuffer(g, keyState, s.readChunk(g, len(s.chunks)-1, keyState))
		vWindow, _ := s.windowedBuffer(g, valueState, s.readChunk(g, len(s.chunks)-1, valueState))
		convIndex := AddScalar(writeIndex, float64(offset))
		q = attn.dconv("dconv_q").Step(qWindow, convIndex, nil)
		k = attn.dconv("dconv_k").Step(kWindow, convIndex, nil)
		v = attn.dconv("dconv_v").Step(vWindow, convIndex, nil)
		s.writeStep(g, keyPostDConv, k, writeIndex)
		s.writeStep(g, valuePostDConv, v, writeIndex)
	}
	if attn.rope != nil {
		positions := BroadcastToDims(Reshape(timeStep, 1, 1), s.BatchSize(), 1)
		q = Squeeze(attn.rope.Apply(InsertAxes(q, 1), positions, 1), 1)
		k = Squeeze(attn.rope.Apply(InsertAxes(k, 1), positions, 1), 1)
		s.writeStep(g, keyPostRotary, k, writeIndex)
	}

	mask := s.stepMask(g, timeStep)
	var relativeBias *Node
	if attn.relBias != nil {
		relativeBias = Squeeze(attn.relBias.StepBias(g, s.TotalLength(), timeStep), 2)
	}
	encoded := s.attendChunked(g, q, mask, relativeBias)
	return OutputProjection(attn.ctx.In("post"), encoded, attn.outputDim, attn.useBias, attn.outputNHD, attn.weights)
}
