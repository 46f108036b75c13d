// Package remote computes embeddings by calling a hosted model: PostgresML
// inside the database, or the Gemini embedding API.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recrawl/internal/embedding"
)

// DefaultPGMLModel is the transformer used when none is configured.
const DefaultPGMLModel = "intfloat/e5-small-v2"

// Querier runs a single-row query; *pgxpool.Pool and pgxmock satisfy it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGML embeds text with pgml.embed on a PostgresML-enabled database.
type PGML struct {
	db    Querier
	model string
}

// NewPGML builds a PostgresML backend.
func NewPGML(db Querier, model string) (*PGML, error) {
	if db == nil {
		return nil, fmt.Errorf("postgresml: database is required")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultPGMLModel
	}
	return &PGML{db: db, model: model}, nil
}

// Embed implements embedding.Backend.
func (p *PGML) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	var values []float32
	err := p.db.QueryRow(ctx, `SELECT pgml.embed($1, $2)::real[]`, p.model, text).Scan(&values)
	if err != nil {
		return nil, fmt.Errorf("postgresml embed with %s: %w", p.model, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("postgresml embed with %s: empty vector", p.model)
	}
	return embedding.Vector(values), nil
}
