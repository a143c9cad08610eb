package translate

import (
	"math/rand"
	"strings"
)

// GenerateSentences builds count random sentences from the vocabulary's
// ordinary words, for soak runs and benchmarks. Sentences hold between
// minWords and maxWords words.
func GenerateSentences(vocab *Vocab, count, minWords, maxWords int, seed int64) []string {
	words := vocab.Words()
	if len(words) == 0 || count <= 0 {
		return nil
	}
	if minWords < 1 {
		minWords = 1
	}
	if maxWords < minWords {
		maxWords = minWords
	}

	r := rand.New(rand.NewSource(seed))
	result := make([]string, count)
	for i := range result {
		n := minWords + r.Intn(maxWords-minWords+1)
		sentence := make([]string, n)
		for k := range sentence {
			sentence[k] = words[r.Intn(len(words))]
		}
		result[i] = strings.Join(sentence, " ")
	}
	return result
}
