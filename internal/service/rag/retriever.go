package rag

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

const DefaultTopK = 4

// Retriever ranks the chunks of a single movie report against a question.
// Details chunks are always returned first; comment chunks are ranked by
// term overlap weighted with inverse document frequency.
type Retriever struct {
	docs  []*schema.Document
	terms []map[string]int
	df    map[string]int
	topK  int
}

var _ retriever.Retriever = (*Retriever)(nil)

func NewRetriever(docs []*schema.Document, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	r := &Retriever{
		docs:  docs,
		terms: make([]map[string]int, len(docs)),
		df:    make(map[string]int),
		topK:  topK,
	}
	for i, doc := range docs {
		tf := make(map[string]int)
		for _, tok := range tokenize(doc.Content) {
			tf[tok]++
		}
		r.terms[i] = tf
		for tok := range tf {
			r.df[tok]++
		}
	}
	return r
}

func (r *Retriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}

	type scored struct {
		idx   int
		score float64
	}
	var (
		pinned []*schema.Document
		ranked []scored
	)
	queryTerms := tokenize(query)
	n := float64(len(r.docs))
	for i, doc := range r.docs {
		if Section(doc) == SectionDetails {
			pinned = append(pinned, doc)
			continue
		}
		var score float64
		for _, q := range queryTerms {
			if tf := r.terms[i][q]; tf > 0 {
				score += (1 + math.Log(float64(tf))) * math.Log(1+n/float64(r.df[q]))
			}
		}
		ranked = append(ranked, scored{idx: i, score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	out := make([]*schema.Document, 0, topK+len(pinned))
	out = append(out, pinned...)
	for _, s := range ranked {
		if len(out) >= topK+len(pinned) {
			break
		}
		doc := *r.docs[s.idx]
		meta := make(map[string]any, len(doc.MetaData)+1)
		for k, v := range doc.MetaData {
			meta[k] = v
		}
		meta[metaScore] = s.score
		doc.MetaData = meta
		out = append(out, &doc)
	}
	return out, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {}, "of": {}, "on": {}, "or": {},
	"so": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "what": {}, "when": {},
	"who": {}, "why": {}, "with": {}, "you": {}, "about": {}, "movie": {}, "film": {},
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}
