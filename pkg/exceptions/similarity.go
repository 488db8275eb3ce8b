// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exceptions

// DefaultClusterThreshold is the similarity threshold used when the
// caller does not supply one.
const DefaultClusterThreshold = 0.7

// SimilarityReason tags which rule decided a ShouldClusterTogether call.
type SimilarityReason string

const (
	ReasonExactMatch      SimilarityReason = "exact_match"
	ReasonNormalizedMatch SimilarityReason = "normalized_match"
	ReasonNgramJaccard    SimilarityReason = "ngram_jaccard"
	ReasonKeyTermJaccard  SimilarityReason = "keyterm_jaccard"
	ReasonNotSimilar      SimilarityReason = "not_similar"
)

// ShouldClusterTogether decides whether two messages belong in the same
// cluster. Rules run in order; the first satisfied rule wins and carries
// its reason tag.
func ShouldClusterTogether(a, b string, threshold float64) (bool, SimilarityReason) {
	if threshold <= 0 {
		threshold = DefaultClusterThreshold
	}

	if a == b {
		return true, ReasonExactMatch
	}

	na, nb := NormalizeMessage(a), NormalizeMessage(b)
	if na == nb {
		return true, ReasonNormalizedMatch
	}

	if jaccard(ngrams(na, 3), ngrams(nb, 3)) >= threshold {
		return true, ReasonNgramJaccard
	}

	if jaccard(toSet(KeyTerms(a)), toSet(KeyTerms(b))) >= threshold {
		return true, ReasonKeyTermJaccard
	}

	return false, ReasonNotSimilar
}

func ngrams(s string, n int) map[string]struct{} {
	out := make(map[string]struct{})
	runes := []rune(s)
	if len(runes) < n {
		if len(runes) > 0 {
			out[string(runes)] = struct{}{}
		}
		return out
	}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var intersection int
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
