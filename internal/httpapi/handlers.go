package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
)

// handleHealth reports liveness plus a one-word summary of the index.
func (s *Server) handleHealth(c echo.Context) error {
	st := s.service.IndexStatus(c.Request().Context())
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Index:    st.State.String(),
		Degraded: st.Degraded,
	})
}

func (s *Server) handleListKnowledge(c echo.Context) error {
	snap, err := s.records.Knowledge(c.Request().Context())
	if err != nil {
		return s.apiError(c, "list knowledge", err)
	}
	return c.JSON(http.StatusOK, KnowledgeListResponse{
		Version: snap.Version,
		Count:   len(snap.Records),
		Records: snap.Records,
	})
}

func (s *Server) handleGetKnowledge(c echo.Context) error {
	rec, err := s.records.GetKnowledge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, "get knowledge", err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleUpsertKnowledge creates (POST) or replaces (PUT) a knowledge record.
// A PUT body may omit the id; when present it must match the path.
func (s *Server) handleUpsertKnowledge(c echo.Context) error {
	var req KnowledgeRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid knowledge request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := http.StatusCreated
	if id := c.Param("id"); id != "" {
		if req.ID != "" && req.ID != id {
			return echo.NewHTTPError(http.StatusBadRequest, "id in body does not match path")
		}
		req.ID = id
		status = http.StatusOK
	}

	saved, err := s.service.UpsertKnowledgeRecord(c.Request().Context(), req.record())
	if err != nil {
		return s.apiError(c, "upsert knowledge", err)
	}
	return c.JSON(status, saved)
}

func (s *Server) handleCheckDuplicate(c echo.Context) error {
	var req DuplicateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question field is required")
	}
	dup, err := s.records.CheckDuplicate(c.Request().Context(), req.Question, req.Threshold)
	if err != nil {
		return s.apiError(c, "check duplicate", err)
	}
	if dup == nil {
		return c.JSON(http.StatusOK, DuplicateResponse{})
	}
	return c.JSON(http.StatusOK, DuplicateResponse{
		Duplicate:  true,
		Similarity: dup.Similarity,
		Record:     &dup.Record,
	})
}

func (s *Server) handleListProducts(c echo.Context) error {
	products, err := s.records.ListProducts(c.Request().Context())
	if err != nil {
		return s.apiError(c, "list products", err)
	}
	return c.JSON(http.StatusOK, ProductListResponse{Count: len(products), Products: products})
}

func (s *Server) handleGetProduct(c echo.Context) error {
	p, err := s.records.GetProduct(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(c, "get product", err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpsertProduct(c echo.Context) error {
	var req ProductRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid product request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := http.StatusCreated
	if id := c.Param("id"); id != "" {
		if req.ID != "" && req.ID != id {
			return echo.NewHTTPError(http.StatusBadRequest, "id in body does not match path")
		}
		req.ID = id
		status = http.StatusOK
	}

	p, synth, err := s.service.UpsertProductRecord(c.Request().Context(), req.record())
	if err != nil {
		return s.apiError(c, "upsert product", err)
	}
	return c.JSON(status, ProductResponse{Product: p, Synthesized: synth})
}

// handleDeleteRecord deletes a knowledge record or a product (together with
// its synthesized record).
func (s *Server) handleDeleteRecord(c echo.Context) error {
	id := c.Param("id")
	coll, err := s.service.DeleteRecord(c.Request().Context(), id)
	if err != nil {
		return s.apiError(c, "delete record", err)
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Collection: coll})
}

func (s *Server) handleCategories(c echo.Context) error {
	cats, err := s.records.Categories(c.Request().Context())
	if err != nil {
		return s.apiError(c, "list categories", err)
	}
	if cats == nil {
		cats = []string{}
	}
	return c.JSON(http.StatusOK, CategoriesResponse{Categories: cats})
}

func (s *Server) handleRetrieve(c echo.Context) error {
	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid retrieve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TopK < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "top_k must be >= 0")
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		return echo.NewHTTPError(http.StatusBadRequest, "threshold must be within [0, 1]")
	}

	res, err := s.service.Retrieve(c.Request().Context(), retrieval.Query{
		Text:      req.Query,
		TopK:      req.TopK,
		Threshold: req.Threshold,
	})
	if err != nil {
		return s.apiError(c, "retrieve", err)
	}

	s.logger.Debug("retrieval served",
		zap.Int("hits", len(res.Hits)),
		zap.String("method", string(res.Method)),
		zap.Bool("degraded", res.Degraded),
	)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRebuild(c echo.Context) error {
	desc, err := s.service.RebuildIndex(c.Request().Context())
	if err != nil {
		return s.apiError(c, "rebuild index", err)
	}
	return c.JSON(http.StatusOK, desc)
}

func (s *Server) handleIndexStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.IndexStatus(c.Request().Context()))
}

func (s *Server) handleListBackups(c echo.Context) error {
	list, err := s.backups.List(c.Request().Context())
	if err != nil {
		return s.apiError(c, "list backups", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateBackup(c echo.Context) error {
	m, err := s.backups.Create(c.Request().Context())
	if err != nil {
		return s.apiError(c, "create backup", err)
	}
	return c.JSON(http.StatusCreated, m)
}
