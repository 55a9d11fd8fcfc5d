package bus

import "testing"

func TestDecodeEnvelopeRejectsMalformedInput(t *testing.T) {
	inputs := [][]byte{
		[]byte("not json"),
		[]byte(`{"origin":"marquee-web"}`),
		[]byte(`{"sender":"tab-a"}`),
	}
	for _, input := range inputs {
		if _, err := decodeEnvelope(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestAcceptFiltersSelfAndForeignOrigins(t *testing.T) {
	data, err := encodeEnvelope("marquee-web", "tab-a", []byte(`{"kind":"election-query"}`))
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	envelope, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if accept(envelope, "marquee-web", "tab-a") {
		t.Fatalf("expected self-sent envelope to be dropped")
	}
	if accept(envelope, "other-origin", "tab-b") {
		t.Fatalf("expected foreign origin to be dropped")
	}
	if !accept(envelope, "marquee-web", "tab-b") {
		t.Fatalf("expected envelope from another tab to be accepted")
	}
}
