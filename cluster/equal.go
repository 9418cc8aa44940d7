package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kylelemons/godebug/pretty"
	"github.com/tkmct/chainoracle/wait"
)

// Sample is one node's answer to the same question.
type Sample struct {
	Source string
	Raw    json.RawMessage
}

// Canonical re-encodes a JSON document with sorted object keys and no
// insignificant whitespace, so that equal documents compare equal byte by byte.
func Canonical(raw json.RawMessage) ([]byte, error) {
	v, err := decodeAny(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return v, nil
}

// AssertEqualJSON checks that all samples carry the same canonical document. The
// first mismatch is reported as a fatal assertion with a structural diff.
func AssertEqualJSON(what string, samples ...Sample) error {
	if len(samples) < 2 {
		return nil
	}
	ref, err := Canonical(samples[0].Raw)
	if err != nil {
		return fmt.Errorf("%s from %s: %w", what, samples[0].Source, err)
	}
	for _, s := range samples[1:] {
		got, err := Canonical(s.Raw)
		if err != nil {
			return fmt.Errorf("%s from %s: %w", what, s.Source, err)
		}
		if !bytes.Equal(ref, got) {
			return wait.Fatalf("%s differs between %s and %s:\n%s", what, samples[0].Source, s.Source, Diff(samples[0].Raw, s.Raw))
		}
	}
	return nil
}

// Diff renders a structural diff of two JSON documents for error messages.
func Diff(a, b json.RawMessage) string {
	va, errA := decodeAny(a)
	vb, errB := decodeAny(b)
	if errA != nil || errB != nil {
		return fmt.Sprintf("- %s\n+ %s", a, b)
	}
	return pretty.Compare(va, vb)
}
