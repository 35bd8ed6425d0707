package engine

import (
	"fmt"
	"strings"
)

// Capabilities is the closed set of features a context supports. It is
// resolved once when the context is created.
type Capabilities uint8

const (
	CapVision Capabilities = 1 << iota
	CapAudio
	// CapMRoPE groups all tokens of a media chunk under one position.
	CapMRoPE
	// CapNonCausal requires non-causal attention while decoding media.
	CapNonCausal
)

var capNames = []struct {
	c    Capabilities
	name string
}{
	{CapVision, "vision"},
	{CapAudio, "audio"},
	{CapMRoPE, "mrope"},
	{CapNonCausal, "non-causal"},
}

// Has reports whether every capability in c is present.
func (caps Capabilities) Has(c Capabilities) bool {
	return caps&c == c
}

func (caps Capabilities) String() string {
	if caps == 0 {
		return "none"
	}
	var parts []string
	for _, n := range capNames {
		if caps.Has(n.c) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseCapabilities parses a comma separated list such as "vision,mrope".
func ParseCapabilities(s string) (Capabilities, error) {
	var caps Capabilities
	for raw := range strings.SplitSeq(s, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || name == "none" {
			continue
		}
		found := false
		for _, n := range capNames {
			if n.name == name {
				caps |= n.c
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", raw)
		}
	}
	return caps, nil
}
