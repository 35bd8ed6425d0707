package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/metrics"
)

// HistoryPolicy decides what happens to the KV cache between chat turns.
type HistoryPolicy int

const (
	// HistoryClear drops the cache before every turn and re-renders the
	// whole transcript from position 0.
	HistoryClear HistoryPolicy = iota
	// HistoryRetain keeps the cache and appends only the new turn.
	HistoryRetain
)

func (p HistoryPolicy) String() string {
	switch p {
	case HistoryClear:
		return "clear"
	case HistoryRetain:
		return "retain"
	default:
		return fmt.Sprintf("history(%d)", int(p))
	}
}

func ParseHistoryPolicy(s string) (HistoryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clear":
		return HistoryClear, nil
	case "retain":
		return HistoryRetain, nil
	default:
		return 0, fmt.Errorf("unknown history policy %q (expected clear or retain)", s)
	}
}

const defaultNPredict = 128

// Session runs a multi-turn chat on one context. It is not safe for
// concurrent use.
type Session struct {
	Ctx      engine.Context
	Vocab    engine.Vocab
	Sampler  *logits.Sampler
	Policy   HistoryPolicy
	NPredict int
	System   string
	Log      logger.Logger
	Metrics  *metrics.Metrics

	// Raw feeds user text as-is instead of rendering ChatML.
	Raw bool

	gen      *Generator
	messages []Message
	nPast    batch.Pos
	turns    int
}

// NPast is the number of cache positions held for the conversation.
func (s *Session) NPast() batch.Pos {
	return s.nPast
}

func (s *Session) Messages() []Message {
	return s.messages
}

// Reset forgets the transcript and clears the cache.
func (s *Session) Reset() {
	s.Ctx.ClearCache()
	s.messages = s.messages[:0]
	s.nPast = 0
	s.turns = 0
	if s.Sampler != nil {
		s.Sampler.Reset()
	}
}

// Turn generates the reply to one user message.
//
// Under HistoryRetain a token sampled on the last step of the previous turn
// was never decoded; it is fed back in front of the new prompt so positions
// stay contiguous. A retained session whose decode fails is reset, since the
// cache no longer matches the transcript.
func (s *Session) Turn(ctx context.Context, user string, stream StreamFunc) (*Result, error) {
	log := logger.OrDiscard(s.Log)
	if s.gen == nil {
		s.gen = &Generator{Ctx: s.Ctx, Vocab: s.Vocab, Sampler: s.Sampler, Log: s.Log, Metrics: s.Metrics}
	}
	nPredict := s.NPredict
	if nPredict <= 0 {
		nPredict = defaultNPredict
	}
	s.gen.MaxTokens = nPredict

	var (
		prompt []batch.Token
		start  batch.Pos
		err    error
	)
	switch s.Policy {
	case HistoryRetain:
		prompt, err = s.Vocab.Tokenize(s.renderRetained(user), s.turns == 0)
		if err != nil {
			return nil, fmt.Errorf("tokenize turn: %w", err)
		}
		if tok, ok := s.gen.Pending(); ok && s.turns > 0 {
			prompt = append([]batch.Token{tok}, prompt...)
		}
		start = s.nPast
	default:
		s.Ctx.ClearCache()
		if s.Sampler != nil {
			s.Sampler.Reset()
		}
		prompt, err = s.Vocab.Tokenize(s.renderFull(user), true)
		if err != nil {
			return nil, fmt.Errorf("tokenize transcript: %w", err)
		}
	}

	// The generator rejects nLen > NCtx, which under HistoryRetain means
	// retained history plus this turn no longer fits.
	nLen := int(start) + len(prompt) + nPredict
	res, err := s.gen.RunAt(ctx, prompt, start, nLen, stream)
	if res == nil {
		// rejected before anything was decoded
		return nil, err
	}
	if res.State == StateFailed {
		if s.Policy == HistoryRetain {
			log.Warn("chat turn failed, resetting session", "error", err)
			s.Reset()
		}
		return res, err
	}
	if res.Reason == ReasonCanceled && res.Stats.TokensGenerated == 0 {
		// The prompt may be only partly in the cache and no reply exists.
		if s.Policy == HistoryRetain {
			log.Warn("chat turn canceled before any reply, resetting session")
			s.Reset()
		}
		return res, err
	}

	s.messages = append(s.messages,
		Message{Role: RoleUser, Content: user},
		Message{Role: RoleAssistant, Content: SanitizeAssistantForContext(res.Text)},
	)
	s.turns++
	if s.Policy == HistoryRetain {
		s.nPast = s.gen.NCur()
	}
	log.Debug("chat turn done",
		"policy", s.Policy.String(),
		"turn", s.turns,
		"n_past", s.nPast,
		"reason", string(res.Reason),
	)
	return res, err
}

func (s *Session) renderFull(user string) string {
	if s.Raw {
		return user
	}
	msgs := make([]Message, 0, len(s.messages)+2)
	if s.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s.System})
	}
	msgs = append(msgs, s.messages...)
	msgs = append(msgs, Message{Role: RoleUser, Content: user})
	return RenderChat(msgs, true)
}

func (s *Session) renderRetained(user string) string {
	if s.Raw {
		if s.turns > 0 {
			return "\n" + user
		}
		return user
	}
	if s.turns == 0 && s.System != "" {
		return RenderChat([]Message{{Role: RoleSystem, Content: s.System}}, false) + renderContinuation(user, false)
	}
	return renderContinuation(user, s.turns > 0)
}
