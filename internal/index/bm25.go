package index

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 parameters, standard values from the literature.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index is an in-memory inverted index scoring documents with BM25.
// Callers are responsible for synchronization.
type bm25Index struct {
	docs      map[string][]string       // id -> tokens
	termFreqs map[string]map[string]int // id -> term -> count
	docFreq   map[string]int            // term -> number of docs containing it
	totalLen  int
}

func newBM25Index() *bm25Index {
	return &bm25Index{
		docs:      make(map[string][]string),
		termFreqs: make(map[string]map[string]int),
		docFreq:   make(map[string]int),
	}
}

// Add indexes a document, replacing any previous content for the same id.
func (idx *bm25Index) Add(id, text string) {
	idx.Remove(id)

	tokens := tokenize(text)
	freqs := make(map[string]int, len(tokens))
	for _, token := range tokens {
		freqs[token]++
	}
	for term := range freqs {
		idx.docFreq[term]++
	}

	idx.docs[id] = tokens
	idx.termFreqs[id] = freqs
	idx.totalLen += len(tokens)
}

// Remove drops a document from the index. Unknown ids are ignored.
func (idx *bm25Index) Remove(id string) {
	freqs, ok := idx.termFreqs[id]
	if !ok {
		return
	}
	for term := range freqs {
		if idx.docFreq[term] <= 1 {
			delete(idx.docFreq, term)
		} else {
			idx.docFreq[term]--
		}
	}
	idx.totalLen -= len(idx.docs[id])
	delete(idx.docs, id)
	delete(idx.termFreqs, id)
}

// Len returns the number of indexed documents.
func (idx *bm25Index) Len() int {
	return len(idx.docs)
}

type bm25Score struct {
	ID    string
	Score float64
}

// Search scores all documents against the query and returns up to k matches
// with positive scores, ordered by score descending then id ascending.
func (idx *bm25Index) Search(query string, k int) []bm25Score {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(idx.docs) == 0 {
		return nil
	}

	n := float64(len(idx.docs))
	avgLen := float64(idx.totalLen) / n

	var scores []bm25Score
	for id, freqs := range idx.termFreqs {
		docLen := float64(len(idx.docs[id]))
		score := 0.0
		for _, term := range queryTerms {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			df := float64(idx.docFreq[term])
			// BM25 idf with the +1 inside the log keeps scores non-negative.
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			denominator := tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen)
			score += idf * tf * (bm25K1 + 1) / denominator
		}
		if score > 0 {
			scores = append(scores, bm25Score{ID: id, Score: score})
		}
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})

	if len(scores) > k {
		scores = scores[:k]
	}
	return scores
}

// tokenize lowercases text and splits it into alphanumeric terms.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// scoreCandidates runs BM25 over an ad-hoc candidate set, used when the
// backing index cannot score lexically itself.
func scoreCandidates(query string, candidates map[string]string, k int) []bm25Score {
	idx := newBM25Index()
	for id, text := range candidates {
		idx.Add(id, text)
	}
	return idx.Search(query, k)
}
