package idempotency

import "testing"

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := Fingerprint([]byte(`{"b":2,"a":1,"nested":{"y":"z","x":"w"}}`))
	b := Fingerprint([]byte(`{
		"a": 1,
		"nested": {"x": "w", "y": "z"},
		"b": 2
	}`))
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
}

func TestFingerprintDistinguishesValues(t *testing.T) {
	a := Fingerprint([]byte(`{"amount":100}`))
	b := Fingerprint([]byte(`{"amount":101}`))
	if a == b {
		t.Fatalf("different payloads must not collide")
	}
}

func TestFingerprintArrayOrderSignificant(t *testing.T) {
	a := Fingerprint([]byte(`{"items":[1,2]}`))
	b := Fingerprint([]byte(`{"items":[2,1]}`))
	if a == b {
		t.Fatalf("array order is part of the request, fingerprints must differ")
	}
}

func TestFingerprintNonJSONFallsBackToRawHash(t *testing.T) {
	a := Fingerprint([]byte("not json"))
	b := Fingerprint([]byte("not json"))
	if a != b {
		t.Fatalf("raw hash must be deterministic")
	}
	if a == Fingerprint([]byte("other")) {
		t.Fatalf("different raw bodies must not collide")
	}
}
