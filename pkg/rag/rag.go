// Package rag retrieves supporting passages from an external pgvector index.
// Retrieval failures are the caller's business to swallow, the prompt builder
// drops the block silently when anything here errors.
package rag

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"
)

// Passage is one retrieved fragment with its cosine similarity score.
type Passage struct {
	Text  string
	Score float64
}

// Retriever finds the passages most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder embeds text through OpenAI's embeddings API.
type OpenAIEmbedder struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder. An empty model falls back to
// text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: goopenai.NewClient(apiKey),
		model:  goopenai.EmbeddingModel(model),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding in response")
	}
	return resp.Data[0].Embedding, nil
}

// PgVector retrieves passages by cosine similarity against a postgres table
// with a pgvector column.
type PgVector struct {
	db       *sql.DB
	embedder Embedder
}

// OpenPgVector connects to the index with a postgres DSN.
func OpenPgVector(dsn string, embedder Embedder) (*PgVector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open vector index")
	}
	return &PgVector{db: db, embedder: embedder}, nil
}

func (p *PgVector) Close() error {
	return p.db.Close()
}

// Retrieve embeds the query and returns the k nearest passages. The <=>
// operator is cosine distance so score is 1 - distance.
func (p *PgVector) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 3
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	vector := pgvector.NewVector(vec)
	rows, err := p.db.QueryContext(ctx, `
		SELECT content, 1 - (embedding <=> $1) AS score
		FROM passages
		ORDER BY embedding <=> $2
		LIMIT $3
	`, vector, vector, k)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query vector index")
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.Text, &p.Score); err != nil {
			return nil, errors.Wrap(err, "failed to scan passage")
		}
		passages = append(passages, p)
	}
	return passages, rows.Err()
}

// Nop is the retriever used when no vector index is configured.
type Nop struct{}

func (Nop) Retrieve(context.Context, string, int) ([]Passage, error) {
	return nil, nil
}
