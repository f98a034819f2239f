package records

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Field limits.
const (
	MaxQuestionLen    = 500
	MaxAnswerLen      = 10000
	MaxNameLen        = 200
	MaxDescriptionLen = 5000
	MaxKeywordLen     = 50
	MaxKeywords       = 20
	MaxPrice          = 99999999.99
	MaxStock          = 9999999
	MaxIDLen          = 64
)

// normalizeKnowledge trims text fields and checks limits.
func normalizeKnowledge(r *KnowledgeRecord) error {
	r.ID = strings.TrimSpace(r.ID)
	r.Question = strings.TrimSpace(r.Question)
	r.Answer = strings.TrimSpace(r.Answer)
	r.Category = strings.TrimSpace(r.Category)

	if err := checkID(r.ID); err != nil {
		return err
	}
	if r.Question == "" {
		return invalidf("question is required")
	}
	if r.Answer == "" {
		return invalidf("answer is required")
	}
	if n := utf8.RuneCountInString(r.Question); n > MaxQuestionLen {
		return invalidf("question is %d characters (max %d)", n, MaxQuestionLen)
	}
	// Synthesized answers are built from bounded product fields.
	if n := utf8.RuneCountInString(r.Answer); n > MaxAnswerLen && !r.Synthesized() {
		return invalidf("answer is %d characters (max %d)", n, MaxAnswerLen)
	}
	if r.Category == "" {
		r.Category = "General"
	}
	kws, err := normalizeKeywords(r.Keywords, !r.Synthesized())
	if err != nil {
		return err
	}
	r.Keywords = kws
	return nil
}

func normalizeProduct(p *ProductRecord) error {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Category = strings.TrimSpace(p.Category)
	p.Description = strings.TrimSpace(p.Description)

	if err := checkID(p.ID); err != nil {
		return err
	}
	if p.Name == "" {
		return invalidf("name is required")
	}
	if n := utf8.RuneCountInString(p.Name); n > MaxNameLen {
		return invalidf("name is %d characters (max %d)", n, MaxNameLen)
	}
	if n := utf8.RuneCountInString(p.Description); n > MaxDescriptionLen {
		return invalidf("description is %d characters (max %d)", n, MaxDescriptionLen)
	}
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price < 0 || p.Price > MaxPrice {
		return invalidf("price must be between 0 and %.2f", MaxPrice)
	}
	p.Price = math.Round(p.Price*100) / 100
	if p.Stock < 0 || p.Stock > MaxStock {
		return invalidf("stock must be between 0 and %d", MaxStock)
	}
	kws, err := normalizeKeywords(p.Keywords, true)
	if err != nil {
		return err
	}
	p.Keywords = kws
	return nil
}

func checkID(id string) error {
	if len(id) > MaxIDLen {
		return invalidf("id is longer than %d bytes", MaxIDLen)
	}
	if strings.ContainsAny(id, "/\\#\x00") {
		return invalidf("id %q contains a reserved character", id)
	}
	return nil
}

// normalizeKeywords trims, drops blanks and case-insensitive duplicates.
func normalizeKeywords(in []string, enforceCount bool) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if utf8.RuneCountInString(kw) > MaxKeywordLen {
			return nil, invalidf("keyword %q is longer than %d characters", kw, MaxKeywordLen)
		}
		key := strings.ToLower(kw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	if enforceCount && len(out) > MaxKeywords {
		return nil, invalidf("%d keywords (max %d)", len(out), MaxKeywords)
	}
	return out, nil
}
