package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestPoolingRoundTrip(t *testing.T) {
	t.Parallel()
	for _, p := range []Pooling{PoolingUnspecified, PoolingNone, PoolingMean, PoolingCLS, PoolingLast, PoolingRank} {
		got, err := ParsePooling(p.String())
		if err != nil {
			t.Fatalf("ParsePooling(%q): %v", p.String(), err)
		}
		if got != p {
			t.Fatalf("ParsePooling(%q) = %v", p.String(), got)
		}
	}
	if _, err := ParsePooling("max"); err == nil {
		t.Fatal("expected error for unknown pooling")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps, err := ParseCapabilities("vision, MRoPE")
	if err != nil {
		t.Fatal(err)
	}
	if !caps.Has(CapVision) || !caps.Has(CapMRoPE) {
		t.Fatalf("caps = %v", caps)
	}
	if caps.Has(CapAudio) || caps.Has(CapVision|CapAudio) {
		t.Fatalf("unexpected audio in %v", caps)
	}
	if caps.String() != "vision,mrope" {
		t.Fatalf("String = %q", caps.String())
	}
	if Capabilities(0).String() != "none" {
		t.Fatalf("zero caps String = %q", Capabilities(0).String())
	}
	if _, err := ParseCapabilities("vision,smell"); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestDecodeErrorMatchesSentinels(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("step 3: %w", &DecodeError{Code: 1, Tokens: 4, Err: ErrKVCacheFull})
	if !errors.Is(err, ErrDecode) {
		t.Fatal("expected ErrDecode")
	}
	if !errors.Is(err, ErrKVCacheFull) {
		t.Fatal("expected ErrKVCacheFull")
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Tokens != 4 {
		t.Fatalf("errors.As failed: %v", err)
	}
	if errors.Is(&DecodeError{Code: -1}, ErrKVCacheFull) {
		t.Fatal("bare decode error should not match ErrKVCacheFull")
	}
}
