package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/recrawl/internal/embedding"
)

// ContentTables names the content and vector tables and their columns.
// Every name is validated as a plain SQL identifier.
type ContentTables struct {
	PageTable             string
	PageIDColumn          string
	PageContentColumn     string
	EmbeddingTable        string
	EmbeddingPageIDColumn string
	EmbeddingVectorColumn string
}

// DefaultContentTables returns the conventional layout.
func DefaultContentTables() ContentTables {
	return ContentTables{
		PageTable:             "pages",
		PageIDColumn:          "id",
		PageContentColumn:     "content",
		EmbeddingTable:        "page_embeddings",
		EmbeddingPageIDColumn: "page_id",
		EmbeddingVectorColumn: "embedding",
	}
}

// ContentStore implements embedding.Repository over a pgvector-enabled
// database.
type ContentStore struct {
	pool       Pool
	missingSQL string
	upsertSQL  string
}

// NewContentStore validates the layout and prepares its statements.
func NewContentStore(pool Pool, t ContentTables) (*ContentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := checkIdentifiers(
		t.PageTable, t.PageIDColumn, t.PageContentColumn,
		t.EmbeddingTable, t.EmbeddingPageIDColumn, t.EmbeddingVectorColumn,
	); err != nil {
		return nil, err
	}
	missing := fmt.Sprintf(`
SELECT p.%[1]s, p.%[2]s
FROM %[3]s p
LEFT JOIN %[4]s e ON p.%[1]s = e.%[5]s
WHERE e.%[5]s IS NULL
ORDER BY p.%[1]s
LIMIT $1`, t.PageIDColumn, t.PageContentColumn, t.PageTable, t.EmbeddingTable, t.EmbeddingPageIDColumn)

	upsert := fmt.Sprintf(`
INSERT INTO %[1]s (%[2]s, %[3]s)
VALUES ($1, $2::vector)
ON CONFLICT (%[2]s) DO UPDATE SET %[3]s = EXCLUDED.%[3]s`, t.EmbeddingTable, t.EmbeddingPageIDColumn, t.EmbeddingVectorColumn)

	return &ContentStore{pool: pool, missingSQL: missing, upsertSQL: upsert}, nil
}

// MissingEmbeddings returns up to limit content rows without a vector, by id.
func (s *ContentStore) MissingEmbeddings(ctx context.Context, limit int) ([]embedding.Record, error) {
	rows, err := s.pool.Query(ctx, s.missingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []embedding.Record
	for rows.Next() {
		var rec embedding.Record
		if err := rows.Scan(&rec.ID, &rec.Text); err != nil {
			return nil, fmt.Errorf("scan content row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content rows: %w", err)
	}
	return out, nil
}

// UpsertEmbedding writes the vector for id using its pgvector text literal.
func (s *ContentStore) UpsertEmbedding(ctx context.Context, id int64, vector embedding.Vector) error {
	if _, err := s.pool.Exec(ctx, s.upsertSQL, id, vector.Literal()); err != nil {
		return fmt.Errorf("upsert embedding %d: %w", id, err)
	}
	return nil
}
