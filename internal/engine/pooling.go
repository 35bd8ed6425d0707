package engine

import (
	"fmt"
	"strings"
)

// Pooling selects how per-token embeddings collapse into one vector per
// sequence.
type Pooling int

const (
	PoolingUnspecified Pooling = iota - 1
	PoolingNone
	PoolingMean
	PoolingCLS
	PoolingLast
	PoolingRank
)

func (p Pooling) String() string {
	switch p {
	case PoolingUnspecified:
		return "unspecified"
	case PoolingNone:
		return "none"
	case PoolingMean:
		return "mean"
	case PoolingCLS:
		return "cls"
	case PoolingLast:
		return "last"
	case PoolingRank:
		return "rank"
	default:
		return fmt.Sprintf("pooling(%d)", int(p))
	}
}

// ParsePooling accepts the names produced by String. An empty name is
// PoolingUnspecified.
func ParsePooling(s string) (Pooling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unspecified":
		return PoolingUnspecified, nil
	case "none":
		return PoolingNone, nil
	case "mean":
		return PoolingMean, nil
	case "cls":
		return PoolingCLS, nil
	case "last":
		return PoolingLast, nil
	case "rank":
		return PoolingRank, nil
	default:
		return PoolingUnspecified, fmt.Errorf("unknown pooling %q (expected none, mean, cls, last or rank)", s)
	}
}
