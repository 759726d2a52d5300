// Package salience scores tokens for cache admission and infers per-token
// grammatical roles via a two-loop stochastic search over a role-probability
// matrix ("theory"). All randomness is explicit and per-request so inference
// is reproducible in tests.
package salience

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/databloom/kvquant-core/internal/errs"
)

// Features are the raw per-token signals feeding scoring and inference.
type Features struct {
	Frequency        float32
	Sentiment        float32
	ContextRelevance float32
	RoleHint         string
}

// BaselineScore computes the unprojected salience score for a token.
func BaselineScore(f Features) float32 {
	return f.ContextRelevance * f.Frequency
}

// Project clamps a raw score into [0, 1].
func Project(score float32) float32 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Role names a token's inferred grammatical role.
type Role int

const (
	RoleSubject Role = iota
	RoleVerb
	RoleObject
	RoleModifier
	RoleNegation
)

// roleCount sizes the theory matrix rows; int-typed so it can bound plain
// loops and array lengths.
const roleCount = int(RoleNegation) + 1

func (r Role) String() string {
	switch r {
	case RoleSubject:
		return "subject"
	case RoleVerb:
		return "verb"
	case RoleObject:
		return "object"
	case RoleModifier:
		return "modifier"
	case RoleNegation:
		return "negation"
	default:
		return "unknown"
	}
}

// RoleAssignment is the per-token inference outcome.
type RoleAssignment struct {
	Role       Role
	Confidence float32
}

// Theory is a role-probability matrix: one probability distribution over
// Role per token position. Rows always sum to 1.
type Theory struct {
	Probs [][roleCount]float32
}

// NewUniformTheory builds a theory with a uniform distribution over roles
// for n token positions.
func NewUniformTheory(n int) *Theory {
	t := &Theory{Probs: make([][roleCount]float32, n)}
	uniform := float32(1) / float32(roleCount)
	for i := range t.Probs {
		for r := 0; r < roleCount; r++ {
			t.Probs[i][r] = uniform
		}
	}
	return t
}

func (t *Theory) clone() *Theory {
	cp := &Theory{Probs: make([][roleCount]float32, len(t.Probs))}
	copy(cp.Probs, t.Probs)
	return cp
}

// SearchConfig bounds the two-loop stochastic search.
type SearchConfig struct {
	OuterIters int
	InnerIters int
}

// DefaultSearchConfig is the search budget used when the caller passes a
// zero SearchConfig.
var DefaultSearchConfig = SearchConfig{OuterIters: 100, InnerIters: 10}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.OuterIters < 1 {
		c.OuterIters = DefaultSearchConfig.OuterIters
	}
	if c.InnerIters < 1 {
		c.InnerIters = DefaultSearchConfig.InnerIters
	}
	return c
}

// Store holds theories keyed by an opaque theory_key, confined to a single
// owned struct so no inference state lives in a package-level global.
type Store struct {
	mu    sync.Mutex
	byKey map[string]*Theory
}

// NewStore constructs an empty theory store.
func NewStore() *Store {
	return &Store{byKey: make(map[string]*Theory)}
}

// Get returns the theory for key, creating a uniform one over n positions
// if absent or shaped for a different token count.
func (s *Store) Get(key string, n int) *Theory {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[key]
	if !ok || len(t.Probs) != n {
		t = NewUniformTheory(n)
		s.byKey[key] = t
	}
	return t
}

// Put replaces the stored theory for key.
func (s *Store) Put(key string, t *Theory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key] = t
}

// Infer runs the two-loop search for key over feats and commits the winning
// theory back to the store, returning one RoleAssignment per token. rng is
// caller-supplied and seeded per request so results are reproducible.
// Cancellation is checked between outer iterations.
func (s *Store) Infer(ctx context.Context, key string, feats []Features, cfg SearchConfig, rng *rand.Rand) ([]RoleAssignment, error) {
	theory := s.Get(key, len(feats))
	result, err := Search(ctx, rng, theory, feats, cfg)
	if err != nil {
		return nil, err
	}
	s.Put(key, result.UpdatedTheory)

	out := make([]RoleAssignment, len(result.Roles))
	for i, role := range result.Roles {
		out[i] = RoleAssignment{Role: role, Confidence: result.UpdatedTheory.Probs[i][role]}
	}
	return out, nil
}

const perturbSigma = 0.1

// hintLogBonus rewards an assignment that agrees with a token's RoleHint
// when accumulating log-likelihood, so a hinted draw outcompetes an
// equally probable unhinted one.
const hintLogBonus = 0.5

// SearchResult is the outcome of one Search call.
type SearchResult struct {
	Roles         []Role
	LogLikelihood float64
	UpdatedTheory *Theory
}

// Search runs the two-loop stochastic search. The outer loop perturbs the
// current theory with Gaussian noise and renormalizes each row; the inner
// loop repeatedly samples a role per token from the perturbed distribution
// and keeps the single highest-likelihood assignment, which becomes the
// perturbation's score. The best-scoring perturbation across all outer
// iterations wins.
func Search(ctx context.Context, rng *rand.Rand, theory *Theory, feats []Features, cfg SearchConfig) (SearchResult, error) {
	cfg = cfg.withDefaults()

	best := SearchResult{LogLikelihood: math.Inf(-1)}
	for iter := 0; iter < cfg.OuterIters; iter++ {
		if err := ctx.Err(); err != nil {
			return SearchResult{}, errs.ErrCancelled
		}

		candidate := perturbAndRenormalize(rng, theory)

		innerBestLL := math.Inf(-1)
		var innerBestRoles []Role
		for inner := 0; inner < cfg.InnerIters; inner++ {
			roles, ll := sampleRoles(rng, candidate, feats)
			if ll > innerBestLL {
				innerBestLL = ll
				innerBestRoles = roles
			}
		}

		if innerBestLL > best.LogLikelihood {
			best = SearchResult{Roles: innerBestRoles, LogLikelihood: innerBestLL, UpdatedTheory: candidate}
		}
	}
	return best, nil
}

// perturbAndRenormalize adds zero-mean Gaussian noise (sigma=perturbSigma)
// to every cell of theory and renormalizes each row back to a probability
// distribution, clamping negative mass to a small epsilon first.
func perturbAndRenormalize(rng *rand.Rand, theory *Theory) *Theory {
	out := theory.clone()
	const epsilon = 1e-6
	for i := range out.Probs {
		row := &out.Probs[i]
		sum := float32(0)
		for r := 0; r < roleCount; r++ {
			noisy := row[r] + float32(rng.NormFloat64())*perturbSigma
			if noisy < epsilon {
				noisy = epsilon
			}
			row[r] = noisy
			sum += noisy
		}
		for r := 0; r < roleCount; r++ {
			row[r] /= sum
		}
	}
	return out
}

// sampleRoles draws one role per token position from theory's per-row
// distribution, returning the sampled roles and the accumulated
// log-likelihood of the draw. An assignment matching the token's RoleHint
// earns a fixed log bonus.
func sampleRoles(rng *rand.Rand, theory *Theory, feats []Features) ([]Role, float64) {
	roles := make([]Role, len(theory.Probs))
	ll := 0.0
	for i, row := range theory.Probs {
		u := rng.Float32()
		var cum float32
		chosen := roleCount - 1
		for r := 0; r < roleCount; r++ {
			cum += row[r]
			if u <= cum {
				chosen = r
				break
			}
		}
		roles[i] = Role(chosen)
		p := row[chosen]
		if p <= 0 {
			p = 1e-9
		}
		ll += math.Log(float64(p))
		if i < len(feats) && feats[i].RoleHint != "" && feats[i].RoleHint == Role(chosen).String() {
			ll += hintLogBonus
		}
	}
	return roles, ll
}
