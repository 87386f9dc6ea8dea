package tput

import (
	"bytes"
	"testing"
)

func TestThresholdRoundTrip(t *testing.T) {
	body := EncodeThreshold(123456789)
	got, err := DecodeThreshold(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != 123456789 {
		t.Fatalf("got %d, want 123456789", got)
	}
}

func TestDecodeThresholdRejectsShortBody(t *testing.T) {
	if _, err := DecodeThreshold([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short body")
	}
}

func TestKeySetRoundTrip(t *testing.T) {
	keys := [][]byte{
		[]byte("alpha"),
		[]byte(""),
		[]byte("gamma-key"),
	}
	body := EncodeKeySet(keys)
	got, err := DecodeKeySet(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(keys) {
		t.Fatalf("got %d keys, want %d", len(got), len(keys))
	}
	for i, k := range keys {
		if !bytes.Equal(got[i], k) {
			t.Fatalf("key %d: got %q, want %q", i, got[i], k)
		}
	}
}

func TestKeySetRoundTripEmpty(t *testing.T) {
	body := EncodeKeySet(nil)
	got, err := DecodeKeySet(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d keys, want 0", len(got))
	}
}
