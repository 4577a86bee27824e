package resolver

import (
	"fmt"
	"math/rand"
	"testing"
)

func benchTokens(n int) []string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("user-%d@enron.com", i)
	}
	return tokens
}

// BenchmarkForest_Union benchmarks random pairwise unions over a fixed token set
func BenchmarkForest_Union(b *testing.B) {
	tokens := benchTokens(100000)
	rng := rand.New(rand.NewSource(1))
	f := NewForest[string]()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Union(tokens[rng.Intn(len(tokens))], tokens[rng.Intn(len(tokens))])
	}
}

// BenchmarkForest_Find benchmarks lookups after the forest has settled
func BenchmarkForest_Find(b *testing.B) {
	tokens := benchTokens(100000)
	rng := rand.New(rand.NewSource(1))
	f := NewForest[string]()
	for i := 0; i < len(tokens); i++ {
		f.Union(tokens[rng.Intn(len(tokens))], tokens[rng.Intn(len(tokens))])
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Find(tokens[i%len(tokens)])
	}
}
