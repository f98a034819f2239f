package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// maxSeedSize bounds seed files.
const maxSeedSize = 32 << 20

// Seed is the layout of a seed file.
type Seed struct {
	Knowledge []KnowledgeRecord `json:"knowledge" yaml:"knowledge" toml:"knowledge"`
	Products  []ProductRecord   `json:"products" yaml:"products" toml:"products"`
}

// ImportResult summarises an import.
type ImportResult struct {
	Knowledge int
	Products  int
	Skipped   int
}

// ParseSeed decodes a seed document. format is "json", "yaml" or "toml".
func ParseSeed(data []byte, format string) (Seed, error) {
	var seed Seed
	var err error
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&seed)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &seed)
	case "toml":
		_, err = toml.Decode(string(data), &seed)
	default:
		return seed, fmt.Errorf("unsupported seed format %q", format)
	}
	if err != nil {
		return seed, fmt.Errorf("decode %s seed: %w", format, err)
	}
	return seed, nil
}

// ImportSeed loads records from a JSON, YAML or TOML file chosen by
// extension. Invalid records are skipped and logged. Knowledge records are
// committed in one write; each product goes through UpsertProduct so its
// synthesized record is produced.
func (s *Store) ImportSeed(ctx context.Context, path string) (ImportResult, error) {
	var res ImportResult

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("stat seed file: %w", err)
	}
	if info.Size() > maxSeedSize {
		return res, fmt.Errorf("seed file too large: %d bytes (max %d)", info.Size(), maxSeedSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("read seed file: %w", err)
	}
	seed, err := ParseSeed(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return res, err
	}

	valid := make([]KnowledgeRecord, 0, len(seed.Knowledge))
	for _, r := range seed.Knowledge {
		r.Source, r.SourceHash = "", ""
		if err := normalizeKnowledge(&r); err != nil {
			s.logger.Warn("records: skipping invalid seed record", zap.String("id", r.ID), zap.Error(err))
			res.Skipped++
			continue
		}
		valid = append(valid, r)
	}

	if len(valid) > 0 {
		var ids []string
		version, err := mutate(ctx, s, s.knowledgePath, func(env *envelope[KnowledgeRecord]) (bool, error) {
			ids = ids[:0]
			for _, r := range valid {
				if r.ID == "" {
					r.ID = nextID("K", knowledgeIDs(env.Records))
				}
				r.Chunks = s.chunker.Split(r.BaseText())
				r.UpdatedAt = s.now().UTC()
				env.Records = putKnowledge(env.Records, r)
				ids = append(ids, r.ID)
			}
			return true, nil
		})
		s.observe("knowledge", "import", err)
		if err != nil {
			return res, err
		}
		res.Knowledge = len(ids)
		s.notify(ctx, ChangeEvent{Collection: CollectionKnowledge, Upserted: ids, Version: version})
	}

	for _, p := range seed.Products {
		if _, _, err := s.UpsertProduct(ctx, p); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.logger.Warn("records: skipping seed product", zap.String("id", p.ID), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Products++
	}

	s.logger.Info("records: seed imported",
		zap.String("path", path),
		zap.Int("knowledge", res.Knowledge),
		zap.Int("products", res.Products),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
