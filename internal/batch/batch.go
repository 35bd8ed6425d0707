// Package batch implements the bounded token buffer submitted to a single
// decode call.
//
// A Batch is filled, handed to an engine by reference, and cleared for the
// next step. Storage is allocated once at construction; Clear only resets
// the length so the generation hot loop never allocates.
package batch

import "fmt"

type (
	// Token is a vocabulary id.
	Token int32
	// SeqID identifies one independent KV-cache stream within a context.
	SeqID int32
	// Pos is the zero-based offset of a token within its sequence.
	Pos int32
)

// Entry is one slot of a Batch.
type Entry struct {
	Token  Token
	SeqIDs []SeqID
	Pos    Pos
	Logits bool
}

// Batch is a fixed-capacity buffer of entries. It is not safe for concurrent
// use; a batch belongs to the loop that drives it.
type Batch struct {
	capacity int
	maxSeqs  int
	embdDim  int

	n      int
	tokens []Token
	embd   []float32
	pos    []Pos
	nSeq   []int
	seqIDs [][]SeqID
	logits []bool

	// distinct sequences in first-seen order
	seqs []SeqID
}

// New allocates a token batch with room for capacity entries, each tagged
// with at most maxSeqs sequence ids.
func New(capacity, maxSeqs int) (*Batch, error) {
	return newBatch(capacity, 0, maxSeqs)
}

// NewEmbd allocates a batch whose entries carry embedding vectors of width
// embdDim instead of token ids.
func NewEmbd(capacity, embdDim, maxSeqs int) (*Batch, error) {
	if embdDim <= 0 {
		return nil, fmt.Errorf("batch: embedding width must be positive, got %d", embdDim)
	}
	return newBatch(capacity, embdDim, maxSeqs)
}

func newBatch(capacity, embdDim, maxSeqs int) (*Batch, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("batch: capacity must be positive, got %d", capacity)
	}
	if maxSeqs <= 0 {
		return nil, fmt.Errorf("batch: max sequences must be positive, got %d", maxSeqs)
	}
	b := &Batch{
		capacity: capacity,
		maxSeqs:  maxSeqs,
		embdDim:  embdDim,
		pos:      make([]Pos, capacity),
		nSeq:     make([]int, capacity),
		seqIDs:   make([][]SeqID, capacity),
		logits:   make([]bool, capacity),
		seqs:     make([]SeqID, 0, maxSeqs),
	}
	if embdDim > 0 {
		b.embd = make([]float32, capacity*embdDim)
	} else {
		b.tokens = make([]Token, capacity)
	}
	ids := make([]SeqID, capacity*maxSeqs)
	for i := range b.seqIDs {
		b.seqIDs[i] = ids[i*maxSeqs : (i+1)*maxSeqs : (i+1)*maxSeqs]
	}
	return b, nil
}

// Add appends one token. On error the batch is left unchanged.
func (b *Batch) Add(tok Token, pos Pos, seqIDs []SeqID, logits bool) error {
	if b.IsEmbd() {
		return fmt.Errorf("%w: token added to an embedding batch", ErrInvalidSequence)
	}
	if err := b.check(1, seqIDs); err != nil {
		return err
	}
	b.tokens[b.n] = tok
	b.put(pos, seqIDs, logits)
	return nil
}

// AddEmbd appends one embedding row. The row is copied.
func (b *Batch) AddEmbd(embd []float32, pos Pos, seqIDs []SeqID, logits bool) error {
	if !b.IsEmbd() {
		return fmt.Errorf("%w: embedding added to a token batch", ErrInvalidSequence)
	}
	if len(embd) != b.embdDim {
		return fmt.Errorf("%w: embedding width %d, batch expects %d", ErrInvalidSequence, len(embd), b.embdDim)
	}
	if err := b.check(1, seqIDs); err != nil {
		return err
	}
	copy(b.embd[b.n*b.embdDim:], embd)
	b.put(pos, seqIDs, logits)
	return nil
}

// AddSequence appends a whole sequence at positions 0..len(tokens). Either
// every token is appended or none is.
func (b *Batch) AddSequence(tokens []Token, seq SeqID, logitsOnLast bool) error {
	return b.AddSequenceAt(tokens, 0, seq, logitsOnLast)
}

// AddSequenceAt is AddSequence with positions starting at start.
func (b *Batch) AddSequenceAt(tokens []Token, start Pos, seq SeqID, logitsOnLast bool) error {
	if b.IsEmbd() {
		return fmt.Errorf("%w: token added to an embedding batch", ErrInvalidSequence)
	}
	if len(tokens) == 0 {
		return nil
	}
	ids := [1]SeqID{seq}
	if err := b.check(len(tokens), ids[:]); err != nil {
		return err
	}
	last := len(tokens) - 1
	for i, tok := range tokens {
		b.tokens[b.n] = tok
		b.put(start+Pos(i), ids[:], logitsOnLast && i == last)
	}
	return nil
}

func (b *Batch) check(n int, seqIDs []SeqID) error {
	if len(seqIDs) == 0 {
		return fmt.Errorf("%w: entry has no sequence id", ErrInvalidSequence)
	}
	if b.n+n > b.capacity {
		return &CapacityError{Len: b.n, Capacity: b.capacity, Requested: n, MaxSeqs: b.maxSeqs}
	}
	if len(seqIDs) > b.maxSeqs {
		return &CapacityError{Len: b.n, Capacity: b.capacity, Requested: n, MaxSeqs: b.maxSeqs, SeqIDs: len(seqIDs)}
	}
	added := 0
	for i, id := range seqIDs {
		if id < 0 || int(id) >= b.maxSeqs {
			return fmt.Errorf("%w: sequence id %d outside [0, %d)", ErrInvalidSequence, id, b.maxSeqs)
		}
		if b.hasSeq(id) || containsSeq(seqIDs[:i], id) {
			continue
		}
		added++
	}
	if len(b.seqs)+added > b.maxSeqs {
		return &CapacityError{Len: b.n, Capacity: b.capacity, Requested: n, MaxSeqs: b.maxSeqs, SeqIDs: len(b.seqs) + added}
	}
	return nil
}

func (b *Batch) put(pos Pos, seqIDs []SeqID, logits bool) {
	i := b.n
	b.pos[i] = pos
	b.nSeq[i] = copy(b.seqIDs[i], seqIDs)
	b.logits[i] = logits
	for _, id := range seqIDs {
		if !b.hasSeq(id) {
			b.seqs = append(b.seqs, id)
		}
	}
	b.n++
}

func (b *Batch) hasSeq(id SeqID) bool {
	return containsSeq(b.seqs, id)
}

func containsSeq(ids []SeqID, id SeqID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Clear empties the batch without releasing storage.
func (b *Batch) Clear() {
	b.n = 0
	b.seqs = b.seqs[:0]
}

func (b *Batch) Len() int      { return b.n }
func (b *Batch) Capacity() int { return b.capacity }
func (b *Batch) MaxSeqs() int  { return b.maxSeqs }
func (b *Batch) NumSeqs() int  { return len(b.seqs) }
func (b *Batch) IsEmbd() bool  { return b.embdDim > 0 }
func (b *Batch) EmbdDim() int  { return b.embdDim }

// IsFull reports whether no further entry, or no further distinct sequence,
// can be added.
func (b *Batch) IsFull() bool {
	return b.n == b.capacity || len(b.seqs) == b.maxSeqs
}

// Token returns the token of entry i. It is zero for embedding batches.
func (b *Batch) Token(i int) Token {
	b.bounds(i)
	if b.IsEmbd() {
		return 0
	}
	return b.tokens[i]
}

// Embd returns a view of the embedding row of entry i, or nil for token
// batches. The view is invalidated by the next Clear.
func (b *Batch) Embd(i int) []float32 {
	b.bounds(i)
	if !b.IsEmbd() {
		return nil
	}
	return b.embd[i*b.embdDim : (i+1)*b.embdDim]
}

func (b *Batch) Pos(i int) Pos {
	b.bounds(i)
	return b.pos[i]
}

// SeqIDs returns a view of the sequence ids of entry i.
func (b *Batch) SeqIDs(i int) []SeqID {
	b.bounds(i)
	return b.seqIDs[i][:b.nSeq[i]]
}

func (b *Batch) Logits(i int) bool {
	b.bounds(i)
	return b.logits[i]
}

// Entry returns a copy of entry i.
func (b *Batch) Entry(i int) Entry {
	b.bounds(i)
	e := Entry{
		Pos:    b.pos[i],
		Logits: b.logits[i],
		SeqIDs: append([]SeqID(nil), b.SeqIDs(i)...),
	}
	if !b.IsEmbd() {
		e.Token = b.tokens[i]
	}
	return e
}

// Sequences returns the distinct sequence ids present, in first-seen order.
func (b *Batch) Sequences() []SeqID {
	return append([]SeqID(nil), b.seqs...)
}

// LastIndexOf returns the index of the last entry tagged with seq, or -1.
func (b *Batch) LastIndexOf(seq SeqID) int {
	for i := b.n - 1; i >= 0; i-- {
		if containsSeq(b.SeqIDs(i), seq) {
			return i
		}
	}
	return -1
}

// LastLogitsIndex returns the index of the last entry that requested logits,
// or -1.
func (b *Batch) LastLogitsIndex() int {
	for i := b.n - 1; i >= 0; i-- {
		if b.logits[i] {
			return i
		}
	}
	return -1
}

func (b *Batch) bounds(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("batch: index %d out of range [0, %d)", i, b.n))
	}
}
