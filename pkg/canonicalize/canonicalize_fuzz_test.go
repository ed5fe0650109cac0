package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzCanonicalize(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('x')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := Canonicalize(v)
		if err != nil {
			// Some valid JSON may not be representable; that's OK
			return
		}

		// Determinism: same input must produce identical output
		b2, err := Canonicalize(v)
		if err != nil {
			t.Fatal("Canonicalize returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Fatalf("non-deterministic output:\n%s\n%s", b1, b2)
		}

		// Idempotence: canonical form re-canonicalizes to itself
		var v2 interface{}
		if err := json.Unmarshal(b1, &v2); err != nil {
			t.Fatalf("canonical output is not valid JSON: %v", err)
		}
		b3, err := Canonicalize(v2)
		if err != nil {
			t.Fatalf("re-canonicalize failed: %v", err)
		}
		if string(b1) != string(b3) {
			t.Fatalf("canonical form not a fixed point:\n%s\n%s", b1, b3)
		}
	})
}
