// Package tokenizer holds the byte-level vocabulary used by the reference
// backend and the streaming UTF-8 decoder used to turn token pieces into
// text.
package tokenizer

import (
	"fmt"

	"github.com/samcharles93/loom/internal/batch"
)

// Special token ids of ByteVocab. Byte b maps to token ByteOffset+b.
const (
	UnkID batch.Token = iota
	BOSID
	EOSID
	EOTID

	ByteOffset = 4
)

// ByteVocab maps every byte to its own token. Multi-byte UTF-8 characters
// therefore span several tokens, which is exactly the case the streaming
// decoder exists for.
type ByteVocab struct{}

func (ByteVocab) NVocab() int { return ByteOffset + 256 }

func (ByteVocab) BOS() batch.Token { return BOSID }

func (ByteVocab) IsEOG(tok batch.Token) bool {
	return tok == EOSID || tok == EOTID
}

// Tokenize encodes text byte by byte, prefixed with BOS when addSpecial is
// set.
func (ByteVocab) Tokenize(text string, addSpecial bool) ([]batch.Token, error) {
	out := make([]batch.Token, 0, len(text)+1)
	if addSpecial {
		out = append(out, BOSID)
	}
	for i := 0; i < len(text); i++ {
		out = append(out, ByteOffset+batch.Token(text[i]))
	}
	return out, nil
}

// Piece returns the byte of a byte token and no bytes for control tokens.
func (v ByteVocab) Piece(tok batch.Token) ([]byte, error) {
	switch {
	case tok >= ByteOffset && int(tok) < v.NVocab():
		return []byte{byte(tok - ByteOffset)}, nil
	case tok >= UnkID && tok < ByteOffset:
		return nil, nil
	default:
		return nil, fmt.Errorf("token %d outside vocabulary of %d", tok, v.NVocab())
	}
}

// Detokenize concatenates pieces. Invalid UTF-8 is replaced, never emitted.
func Detokenize(v interface {
	Piece(batch.Token) ([]byte, error)
}, toks []batch.Token) (string, error) {
	dec := NewStreamDecoder()
	var out []byte
	for _, tok := range toks {
		piece, err := v.Piece(tok)
		if err != nil {
			return "", err
		}
		out = append(out, dec.Write(piece)...)
	}
	return string(out), nil
}
