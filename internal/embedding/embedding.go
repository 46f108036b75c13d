// Package embedding turns content records that lack a vector into stored
// embeddings, one bounded batch at a time, through a pluggable backend.
package embedding

import (
	"context"
	"errors"

	"github.com/pgvector/pgvector-go"
)

var (
	// ErrPipelineRunning is returned when Run is called while a run is active.
	ErrPipelineRunning = errors.New("embedding pipeline already running")
	// ErrDisabled is returned by Run when the pipeline is switched off.
	ErrDisabled = errors.New("embedding pipeline disabled")
)

// Vector is an embedding as returned by a backend.
type Vector []float32

// Literal renders the pgvector text form, e.g. "[0.1,0.2,0.3]".
func (v Vector) Literal() string {
	return pgvector.NewVector(v).String()
}

// Record is a content row that has no embedding yet.
type Record struct {
	ID   int64
	Text string
}

// Repository reads content lacking a vector and writes vectors back.
type Repository interface {
	// MissingEmbeddings returns up to limit records without an embedding,
	// ordered by ID ascending.
	MissingEmbeddings(ctx context.Context, limit int) ([]Record, error)
	// UpsertEmbedding inserts or replaces the vector for a content ID.
	UpsertEmbedding(ctx context.Context, id int64, vector Vector) error
}

// Backend computes one vector for one text.
type Backend interface {
	Embed(ctx context.Context, text string) (Vector, error)
}

// IDGenerator tags pipeline runs.
type IDGenerator interface {
	NewID() (string, error)
}
