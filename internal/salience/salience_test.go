package salience

import (
	"context"
	"math/rand"
	"testing"

	"github.com/databloom/kvquant-core/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestBaselineScoreAndProject(t *testing.T) {
	score := BaselineScore(Features{ContextRelevance: 0.5, Frequency: 2.0})
	require.Equal(t, float32(1.0), score)
	require.Equal(t, float32(1.0), Project(1.5))
	require.Equal(t, float32(0.0), Project(-0.2))
	require.Equal(t, float32(0.4), Project(0.4))
}

func TestSearchIsDeterministicForFixedSeed(t *testing.T) {
	theory := NewUniformTheory(5)
	feats := make([]Features, 5)
	cfg := SearchConfig{OuterIters: 4, InnerIters: 3}

	r1, err := Search(context.Background(), rand.New(rand.NewSource(7)), theory, feats, cfg)
	require.NoError(t, err)
	r2, err := Search(context.Background(), rand.New(rand.NewSource(7)), theory, feats, cfg)
	require.NoError(t, err)

	require.Equal(t, r1.Roles, r2.Roles)
	require.InDelta(t, r1.LogLikelihood, r2.LogLikelihood, 1e-9)
}

func TestSearchDiffersAcrossSeeds(t *testing.T) {
	theory := NewUniformTheory(20)
	feats := make([]Features, 20)
	cfg := SearchConfig{OuterIters: 4, InnerIters: 2}

	r1, err := Search(context.Background(), rand.New(rand.NewSource(1)), theory, feats, cfg)
	require.NoError(t, err)
	r2, err := Search(context.Background(), rand.New(rand.NewSource(2)), theory, feats, cfg)
	require.NoError(t, err)

	differs := false
	for i := range r1.Roles {
		if r1.Roles[i] != r2.Roles[i] {
			differs = true
			break
		}
	}
	require.True(t, differs)
}

func TestSearchHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	theory := NewUniformTheory(3)
	_, err := Search(ctx, rand.New(rand.NewSource(1)), theory, make([]Features, 3), SearchConfig{OuterIters: 10, InnerIters: 2})
	require.ErrorIs(t, err, errs.ErrCancelled)
}

func TestStoreInferCommitsBestTheory(t *testing.T) {
	store := NewStore()
	feats := []Features{
		{Frequency: 0.9, ContextRelevance: 0.8},
		{Frequency: 0.2, ContextRelevance: 0.3, RoleHint: "negation"},
		{Frequency: 0.5, ContextRelevance: 0.5},
	}

	before := store.Get("req-1", len(feats)).clone()
	assignments, err := store.Infer(context.Background(), "req-1", feats, SearchConfig{OuterIters: 8, InnerIters: 4}, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	require.Len(t, assignments, len(feats))
	for _, a := range assignments {
		require.GreaterOrEqual(t, a.Confidence, float32(0))
		require.LessOrEqual(t, a.Confidence, float32(1))
	}

	after := store.Get("req-1", len(feats))
	require.NotEqual(t, before.Probs, after.Probs)
}

func TestTheoryStoreCreatesUniformOnMiss(t *testing.T) {
	store := NewStore()
	theory := store.Get("req-1", 3)
	require.Len(t, theory.Probs, 3)
	for _, row := range theory.Probs {
		for _, p := range row {
			require.InDelta(t, float32(1)/float32(roleCount), p, 1e-6)
		}
	}
}

func TestTheoryStorePersistsAcrossGets(t *testing.T) {
	store := NewStore()
	t1 := store.Get("req-1", 3)
	store.Put("req-1", perturbAndRenormalize(rand.New(rand.NewSource(3)), t1))

	t2 := store.Get("req-1", 3)
	require.NotEqual(t, t1.Probs, t2.Probs)
}

func TestPerturbAndRenormalizeRowsSumToOne(t *testing.T) {
	theory := NewUniformTheory(10)
	out := perturbAndRenormalize(rand.New(rand.NewSource(42)), theory)
	for _, row := range out.Probs {
		sum := float32(0)
		for _, p := range row {
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-4)
	}
}

func TestRoleStrings(t *testing.T) {
	require.Equal(t, "negation", RoleNegation.String())
	require.Equal(t, "subject", RoleSubject.String())
	require.Equal(t, "unknown", Role(99).String())
}
