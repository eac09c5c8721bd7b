// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Command attentions-demo runs a single transformer block through a full
// decoding cycle: prefill with a synthetic prompt, fork into several
// decoding samples sharing the prompt cache through a lazy broadcast, and
// decode token by token, feeding each step's output back as the next input.
// It prints the cache memory actually used next to what physically tiling
// the prompt would have cost.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/attentions"
	"github.com/gomlx/attentions/masks"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModelDim  = flag.Int("model_dim", 32, "Model (embedding) dimension.")
	flagNumHeads  = flag.Int("num_heads", 4, "Number of attention heads.")
	flagFFNDim    = flag.Int("ffn_dim", 64, "Hidden dimension of the feed-forward network.")
	flagPromptLen = flag.Int("prompt_len", 16, "Length of the synthetic prompt.")
	flagDecodeLen = flag.Int("decode_len", 32, "Number of tokens to decode per sample.")
	flagSamples   = flag.Int("samples", 4, "Decoding samples forked from the shared prompt.")
	flagDConv     = flag.Int("dconv", 3, "Depthwise convolution kernel size (0 disables).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](func() { must.M(run()) })
	if err != nil {
		klog.Fatalf("attentions-demo: %+v", err)
	}
}

func run() error {
	modelDim, numHeads := *flagModelDim, *flagNumHeads
	promptLen, decodeLen, samples := *flagPromptLen, *flagDecodeLen, *flagSamples
	if modelDim%numHeads != 0 {
		return errors.Errorf("model_dim (%d) must be divisible by num_heads (%d)", modelDim, numHeads)
	}
	if promptLen < 1 || decodeLen < 1 || samples < 1 {
		return errors.Errorf("prompt_len, decode_len and samples must be positive, got %d, %d and %d",
			promptLen, decodeLen, samples)
	}

	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Name())
	ctx := context.New()
	attn := attentions.New(ctx.In("block").In("attn"), modelDim, modelDim, numHeads).
		WithRotary(10000).
		WithDepthwiseConv(*flagDConv).
		WithRelativeBias(attentions.NewRelativeBias(ctx.In("block").In("relbias"), numHeads)).
		WithExtraLogit(0)
	session := attn.NewDecodingSession(1, promptLen, dtypes.Float32)

	// Prefill with a synthetic prompt built in-graph.
	prefillExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		blockCtx := ctx.In("block").Checked(false)
		prompt := Sin(MulScalar(IotaFull(g, shapes.Make(dtypes.F32, 1, promptLen, modelDim)), 0.1))
		return attentions.TransformerBlockPrefill(blockCtx, session, prompt,
			masks.Causal(g, promptLen, dtypes.F32), *flagFFNDim)
	})
	start := time.Now()
	prefillOut := prefillExec.MustExec()[0]
	fmt.Printf("Prefilled %d positions in %s.\n", promptLen, time.Since(start))

	prefixMemory := session.CacheMemory()
	session.LazyBroadcastPrefix(samples, decodeLen)
	lazyMemory := session.CacheMemory()
	tiledMemory := uintptr(samples)*prefixMemory + (lazyMemory - prefixMemory)
	fmt.Printf("Cache for %d samples: %s lazily broadcast, %s if tiled.\n",
		samples, humanize.IBytes(uint64(lazyMemory)), humanize.IBytes(uint64(tiledMemory)))

	// The first step input is the last prefill output, one copy per sample.
	seedExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, prefilled *Node) *Node {
		last := Squeeze(Slice(prefilled, AxisRange(), AxisRange(promptLen-1, promptLen)), 1)
		return BroadcastToDims(last, samples, modelDim)
	})
	current := seedExec.MustExec(prefillOut)[0]

	stepExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x, timeStep *Node) *Node {
		blockCtx := ctx.In("block").Checked(false)
		return attentions.TransformerBlockStep(blockCtx, session, x, timeStep, *flagFFNDim)
	})
	bar := progressbar.Default(int64(decodeLen), "decoding")
	start = time.Now()
	for step := 0; step < decodeLen; step++ {
		current = stepExec.MustExec(current, int32(promptLen+step))[0]
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	fmt.Printf("Decoded %d steps x %d samples in %s (%.1f tokens/s).\n",
		decodeLen, samples, elapsed,
		float64(decodeLen*samples)/elapsed.Seconds())
	fmt.Printf("Final step output: %s\n", current.Shape())
	return nil
}
