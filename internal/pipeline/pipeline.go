// Package pipeline drives a batch of produced KV tensors through the full
// admission path: salience scoring, role inference, precision selection,
// quantization, cache admission, vault writeback, and replication. It is
// the glue an inference worker calls once per produced batch.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/databloom/kvquant-core/internal/block"
	"github.com/databloom/kvquant-core/internal/errs"
	"github.com/databloom/kvquant-core/internal/kvcache"
	"github.com/databloom/kvquant-core/internal/metrics"
	"github.com/databloom/kvquant-core/internal/quant"
	"github.com/databloom/kvquant-core/internal/replication"
	"github.com/databloom/kvquant-core/internal/salience"
	"github.com/databloom/kvquant-core/internal/vault"
	"github.com/rs/zerolog"
)

// Token is one produced KV tensor with its scoring features.
type Token struct {
	TokenID  uint32
	Key      []byte
	Value    float32
	Tensor   []float32
	Pointer  uint
	Bias     float32
	Features salience.Features
}

// Config tunes one Process call.
type Config struct {
	Search    salience.SearchConfig
	Rules     quant.RuleSet
	Ladder    quant.Ladder
	Symmetric bool
}

// Result reports the pipeline's decisions for one token.
type Result struct {
	TokenID   uint32
	Salience  float32
	Role      salience.RoleAssignment
	Precision quant.Precision
	Admitted  bool
}

// Pipeline owns the components a Process call writes through. Replication
// is optional; a nil manager skips the broadcast.
type Pipeline struct {
	Theories    *salience.Store
	Cache       *kvcache.Cache
	Vault       *vault.Vault
	Replication *replication.Manager
	Logger      zerolog.Logger
}

// Process runs every token in the batch through scoring, inference,
// precision selection, and quantization, admitting survivors to the cache
// and persisting their packed codes to the vault. theoryKey scopes the
// role-inference state; rng is seeded per request. Cancellation is
// observed before each vault write.
func (p *Pipeline) Process(ctx context.Context, theoryKey string, tokens []Token, cfg Config, rng *rand.Rand) ([]Result, error) {
	if len(tokens) == 0 {
		return nil, errs.New(errs.InvalidArgument, "pipeline: empty batch")
	}

	feats := make([]salience.Features, len(tokens))
	for i, tok := range tokens {
		feats[i] = tok.Features
	}
	assignments, err := p.Theories.Infer(ctx, theoryKey, feats, cfg.Search, rng)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(tokens))
	for i, tok := range tokens {
		score := salience.Project(salience.BaselineScore(tok.Features))
		role := assignments[i]
		precision := quant.SelectPrecision(score, role.Role.String(), cfg.Rules, cfg.Ladder)

		results[i] = Result{TokenID: tok.TokenID, Salience: score, Role: role, Precision: precision}

		if score < p.Cache.Threshold() {
			// Below the admission gate the cache drops the record itself;
			// skip the quantize and vault work for it entirely.
			p.Cache.Update(block.Record{TokenID: tok.TokenID}, score)
			continue
		}

		q, err := p.quantize(tok.Tensor, precision, cfg.Symmetric)
		if err != nil {
			return nil, fmt.Errorf("pipeline: token %d: %w", tok.TokenID, err)
		}

		p.Cache.Update(block.Record{
			TokenID: tok.TokenID,
			Value:   tok.Value,
			Pointer: tok.Pointer,
			Bias:    tok.Bias,
		}, score)
		results[i].Admitted = true

		if err := ctx.Err(); err != nil {
			return nil, errs.ErrCancelled
		}
		if len(tok.Key) > 0 {
			codes := q.PackCodes()
			if err := p.Vault.Store(tok.Key, codes); err != nil {
				p.Logger.Error().Err(err).Uint32("token_id", tok.TokenID).Msg("pipeline: vault store failed")
			} else if p.Replication != nil {
				p.Replication.Broadcast(replication.Write{Key: tok.Key, Value: codes, Timestamp: uint64(time.Now().UnixNano())})
			}
		}
	}
	return results, nil
}

func (p *Pipeline) quantize(tensor []float32, precision quant.Precision, symmetric bool) (quant.Quantized, error) {
	timer := metrics.NewTimer(metrics.QuantizeDuration, precision.String())
	defer timer.Stop()

	var q quant.Quantized
	var err error
	if symmetric {
		q, err = quant.QuantizeSymmetric(tensor, precision)
	} else {
		q, err = quant.QuantizeAsymmetric(tensor, precision)
	}
	if err == nil {
		metrics.QuantizationsTotal.WithLabelValues(precision.String()).Inc()
	}
	return q, err
}
