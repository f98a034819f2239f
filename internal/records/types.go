package records

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// KnowledgeRecord is one question/answer entry.
type KnowledgeRecord struct {
	ID       string   `json:"id" yaml:"id" toml:"id"`
	Question string   `json:"question" yaml:"question" toml:"question"`
	Answer   string   `json:"answer" yaml:"answer" toml:"answer"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty" toml:"keywords,omitempty"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`

	// Chunks are derived from Question and Answer on every write.
	Chunks []string `json:"chunks,omitempty" yaml:"-" toml:"-"`

	// Source is the owning product id for synthesized records.
	Source     string `json:"source,omitempty" yaml:"-" toml:"-"`
	SourceHash string `json:"source_hash,omitempty" yaml:"-" toml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-" toml:"-"`
}

// Synthesized reports whether the record is owned by a product.
func (r KnowledgeRecord) Synthesized() bool {
	return r.Source != ""
}

// BaseText is the text that chunking and embedding operate on.
func (r KnowledgeRecord) BaseText() string {
	return strings.TrimSpace(r.Question + " " + r.Answer)
}

// EmbeddingTexts returns the texts whose embeddings make up the record's
// vector: its chunks, or the base text when it has none.
func (r KnowledgeRecord) EmbeddingTexts() []string {
	if len(r.Chunks) > 0 {
		return r.Chunks
	}
	return []string{r.BaseText()}
}

// Fingerprint identifies the embedded content. Two records with equal
// fingerprints embed to the same vector.
func (r KnowledgeRecord) Fingerprint() string {
	h := sha256.New()
	for _, t := range r.EmbeddingTexts() {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ProductRecord is one catalogue entry.
type ProductRecord struct {
	ID          string            `json:"id" yaml:"id" toml:"id"`
	Name        string            `json:"name" yaml:"name" toml:"name"`
	Price       float64           `json:"price" yaml:"price" toml:"price"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" toml:"attributes,omitempty"`
	Stock       int               `json:"stock" yaml:"stock" toml:"stock"`
	Keywords    []string          `json:"keywords,omitempty" yaml:"keywords,omitempty" toml:"keywords,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-" toml:"-"`
}

// SynthesizedID returns the id of the knowledge record owned by product id.
func SynthesizedID(productID string) string {
	return productID + "_K1"
}

// ContentHash identifies the product content the synthesized record was
// generated from. UpdatedAt is excluded.
func (p ProductRecord) ContentHash() string {
	c := p
	c.UpdatedAt = time.Time{}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Synthesize builds the knowledge record that describes p.
func (p ProductRecord) Synthesize() KnowledgeRecord {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", p.Name)
	fmt.Fprintf(&b, "Price: $%.2f\n", p.Price)
	if p.Stock > 0 {
		fmt.Fprintf(&b, "Stock: in stock (%d units)\n", p.Stock)
	} else {
		b.WriteString("Stock: currently out of stock\n")
	}
	if p.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", p.Category)
	}
	if len(p.Attributes) > 0 {
		keys := make([]string, 0, len(p.Attributes))
		for k := range p.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Specifications:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  - %s: %s\n", k, p.Attributes[k])
		}
	}
	if p.Description != "" {
		fmt.Fprintf(&b, "\n%s", p.Description)
	}

	keywords := make([]string, 0, len(p.Keywords)+4)
	seen := make(map[string]bool)
	for _, kw := range append(append([]string{}, p.Keywords...), p.Name, p.Category, "price", "stock") {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[strings.ToLower(kw)] {
			continue
		}
		seen[strings.ToLower(kw)] = true
		keywords = append(keywords, kw)
	}

	return KnowledgeRecord{
		ID:         SynthesizedID(p.ID),
		Question:   fmt.Sprintf("What are the details and price of %s?", p.Name),
		Answer:     strings.TrimRight(b.String(), "\n"),
		Keywords:   keywords,
		Category:   "Product information",
		Source:     p.ID,
		SourceHash: p.ContentHash(),
	}
}

// envelope is the on-disk layout of a record file.
type envelope[T any] struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Records   []T       `json:"records"`
}

// Collection names a record file.
type Collection string

const (
	CollectionKnowledge Collection = "knowledge"
	CollectionProducts  Collection = "products"
)

// ChangeEvent describes a committed mutation. It is delivered to the
// reindex hook after the file lock has been released.
type ChangeEvent struct {
	Collection Collection
	Upserted   []string
	Deleted    []string
	// Version is the knowledge store version after the change.
	Version uint64
}
