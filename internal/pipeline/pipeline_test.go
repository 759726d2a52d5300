package pipeline

import (
	"context"
	"math/rand"
	"testing"

	"github.com/databloom/kvquant-core/internal/kvcache"
	"github.com/databloom/kvquant-core/internal/quant"
	"github.com/databloom/kvquant-core/internal/salience"
	"github.com/databloom/kvquant-core/internal/vault"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, threshold float32) *Pipeline {
	t.Helper()
	cache, err := kvcache.New(kvcache.Config{SpotCapacity: 8, BlockSize: 4, SalienceThreshold: threshold})
	require.NoError(t, err)

	v, err := vault.New(vault.Config{DeviceCap: 16, HostCap: 16, DiskPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	return &Pipeline{Theories: salience.NewStore(), Cache: cache, Vault: v}
}

func TestProcessAdmitsHighSalienceAndStoresCodes(t *testing.T) {
	p := newTestPipeline(t, 0.7)

	tokens := []Token{
		{
			TokenID:  42,
			Key:      []byte("kv/42"),
			Value:    1.25,
			Tensor:   []float32{-1, 0, 0.5, 1},
			Features: salience.Features{Frequency: 1.0, ContextRelevance: 0.9},
		},
	}
	cfg := Config{
		Search:    salience.SearchConfig{OuterIters: 4, InnerIters: 2},
		Ladder:    quant.DefaultLadder,
		Symmetric: true,
	}

	results, err := p.Process(context.Background(), "sess-1", tokens, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Admitted)
	require.Equal(t, quant.Fp16, results[0].Precision) // salience 0.9 takes the top rung

	rec, ok := p.Cache.LookupToken(42)
	require.True(t, ok)
	require.Equal(t, float32(1.25), rec.Value)

	codes, err := p.Vault.Fetch([]byte("kv/42"))
	require.NoError(t, err)
	require.NotEmpty(t, codes)
}

func TestProcessDropsLowSalience(t *testing.T) {
	p := newTestPipeline(t, 0.7)

	tokens := []Token{
		{
			TokenID:  7,
			Key:      []byte("kv/7"),
			Tensor:   []float32{0.1},
			Features: salience.Features{Frequency: 0.5, ContextRelevance: 0.5},
		},
	}
	cfg := Config{Search: salience.SearchConfig{OuterIters: 2, InnerIters: 2}, Symmetric: true}

	results, err := p.Process(context.Background(), "sess-1", tokens, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.False(t, results[0].Admitted)

	_, ok := p.Cache.LookupToken(7)
	require.False(t, ok)

	_, err = p.Vault.Fetch([]byte("kv/7"))
	require.Error(t, err)
}

func TestProcessRejectsEmptyBatch(t *testing.T) {
	p := newTestPipeline(t, 0.5)
	_, err := p.Process(context.Background(), "sess-1", nil, Config{}, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}
