// Package engine declares the contracts the orchestration layer needs from an
// inference engine: the decode gateway, logits and embedding accessors, the
// vocabulary, and the capability set of a context.
package engine

import (
	"context"

	"github.com/samcharles93/loom/internal/batch"
)

// Decoder advances KV-cache state for every sequence named in a batch.
//
// Decode is the only long-running call. It is not reentrant for a given
// context and is never retried by callers: a failed decode may leave the
// cache partially advanced. KV capacity must be checked before calling.
type Decoder interface {
	Decode(ctx context.Context, b *batch.Batch) error
	// ClearCache discards cached state for all sequences.
	ClearCache()
}

// LogitsReader exposes logits of the last decode.
type LogitsReader interface {
	// Logits returns the row for batch entry i; -1 selects the last entry.
	// Entries that did not request logits return ErrNoLogits.
	Logits(i int) ([]float32, error)
}

// EmbeddingReader exposes embeddings of the last decode.
type EmbeddingReader interface {
	// EmbeddingsIth returns the per-token embedding of batch entry i.
	// Only valid with PoolingNone.
	EmbeddingsIth(i int) ([]float32, error)
	// EmbeddingsSeq returns the pooled embedding of a sequence.
	// Invalid with PoolingNone.
	EmbeddingsSeq(seq batch.SeqID) ([]float32, error)
}

// Vocab maps between text and tokens.
type Vocab interface {
	Tokenize(text string, addSpecial bool) ([]batch.Token, error)
	// Piece returns the raw bytes of a token. A piece may end inside a
	// multi-byte UTF-8 sequence.
	Piece(tok batch.Token) ([]byte, error)
	IsEOG(tok batch.Token) bool
	BOS() batch.Token
	NVocab() int
}

// ContextParams describes an inference context.
type ContextParams struct {
	NCtx       int
	NBatch     int
	NUBatch    int
	NSeqMax    int
	Pooling    Pooling
	Embeddings bool
	Seed       int64
}

// Context is one inference context: a KV cache plus its accessors.
type Context interface {
	Decoder
	LogitsReader
	EmbeddingReader
	Params() ContextParams
	NEmbd() int
	Close() error
}

// CausalSetter is implemented by contexts that can switch attention to
// non-causal for media decoding.
type CausalSetter interface {
	SetCausalAttn(causal bool)
}

// Model is a loaded model able to create contexts.
type Model interface {
	Vocab() Vocab
	NewContext(params ContextParams) (Context, error)
	Close() error
}
