package memory

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"skulink/internal/domain"
)

type tokenizer struct {
	pattern   *regexp.Regexp
	stopwords map[string]struct{}
}

func newTokenizer() *tokenizer {
	return &tokenizer{
		pattern:   regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`),
		stopwords: defaultStopwords(),
	}
}

// documentTerms counts the terms of the fields the similarity query scores.
func (t *tokenizer) documentTerms(doc domain.SearchDocument) map[string]int {
	tf := make(map[string]int)
	for _, text := range []string{doc.Title, stripHTML(doc.Description), doc.FeaturesText} {
		for _, tok := range t.tokenize(text) {
			tf[tok]++
		}
	}
	return tf
}

func (t *tokenizer) tokenize(text string) []string {
	raw := t.pattern.FindAllString(strings.ToLower(text), -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, tok := range raw {
		if _, stop := t.stopwords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// stripHTML returns the text content of an HTML fragment. Markup-free input is returned unchanged.
func stripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "than", "so", "such", "into", "about", "out", "off", "too", "very", "can", "will", "just", "should", "now",
		"и", "в", "во", "на", "с", "со", "для", "по", "из", "от", "до", "к", "о", "об", "не", "а", "но", "или", "что", "как", "это", "при",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
