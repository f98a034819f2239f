package httpapi

import (
	"github.com/fyrsmithlabs/knowledged/internal/records"
)

// KnowledgeRequest is the request body for POST /api/v1/knowledge and
// PUT /api/v1/knowledge/:id.
type KnowledgeRequest struct {
	ID       string   `json:"id,omitempty"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords,omitempty"`
	Category string   `json:"category,omitempty"`
}

func (r KnowledgeRequest) record() records.KnowledgeRecord {
	return records.KnowledgeRecord{
		ID:       r.ID,
		Question: r.Question,
		Answer:   r.Answer,
		Keywords: r.Keywords,
		Category: r.Category,
	}
}

// ProductRequest is the request body for POST /api/v1/products and
// PUT /api/v1/products/:id.
type ProductRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Price       float64           `json:"price"`
	Category    string            `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Stock       int               `json:"stock"`
	Keywords    []string          `json:"keywords,omitempty"`
}

func (r ProductRequest) record() records.ProductRecord {
	return records.ProductRecord{
		ID:          r.ID,
		Name:        r.Name,
		Price:       r.Price,
		Category:    r.Category,
		Description: r.Description,
		Attributes:  r.Attributes,
		Stock:       r.Stock,
		Keywords:    r.Keywords,
	}
}

// ProductResponse pairs a saved product with its synthesized record.
type ProductResponse struct {
	Product     records.ProductRecord   `json:"product"`
	Synthesized records.KnowledgeRecord `json:"synthesized"`
}

// KnowledgeListResponse is the response body for GET /api/v1/knowledge.
type KnowledgeListResponse struct {
	Version uint64                    `json:"version"`
	Count   int                       `json:"count"`
	Records []records.KnowledgeRecord `json:"records"`
}

// ProductListResponse is the response body for GET /api/v1/products.
type ProductListResponse struct {
	Count    int                     `json:"count"`
	Products []records.ProductRecord `json:"products"`
}

// DeleteResponse is the response body for DELETE /api/v1/records/:id.
type DeleteResponse struct {
	ID         string             `json:"id"`
	Collection records.Collection `json:"collection"`
}

// DuplicateRequest is the request body for POST /api/v1/knowledge/duplicates.
type DuplicateRequest struct {
	Question  string  `json:"question"`
	Threshold float64 `json:"threshold,omitempty"`
}

// DuplicateResponse reports the closest existing question, if any.
type DuplicateResponse struct {
	Duplicate  bool                     `json:"duplicate"`
	Similarity float64                  `json:"similarity,omitempty"`
	Record     *records.KnowledgeRecord `json:"record,omitempty"`
}

// RetrieveRequest is the request body for POST /api/v1/retrieve. Omitted
// top_k and threshold fall back to the configured defaults.
type RetrieveRequest struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// CategoriesResponse is the response body for GET /api/v1/categories.
type CategoriesResponse struct {
	Categories []string `json:"categories"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Index    string `json:"index"`
	Degraded bool   `json:"degraded"`
}
