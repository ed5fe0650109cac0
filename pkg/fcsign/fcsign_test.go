package fcsign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_MissingKeyFailsClosed(t *testing.T) {
	_, err := New("fc.v1", nil)
	assert.Error(t, err)

	_, err = New("", []byte("k"))
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	s, err := New("fc.v1", []byte("fc-secret-key"))
	require.NoError(t, err)

	payload := []byte(`{"receiptId":"r-1","runId":"run-1"}`)
	sig := s.Sign(payload)
	assert.Len(t, sig, 64, "hex-encoded HMAC-SHA256")
	assert.True(t, s.Verify(payload, sig))

	// Mismatch is a boolean false, not an error
	assert.False(t, s.Verify(payload, "00"+sig[2:]))
	assert.False(t, s.Verify([]byte(`{"receiptId":"r-2"}`), sig))
}

func TestSign_Deterministic(t *testing.T) {
	s, _ := New("fc.v1", []byte("k"))
	payload := []byte(`{"a":1}`)
	assert.Equal(t, s.Sign(payload), s.Sign(payload))
}

func TestSignObject_CanonicalOrderIndependent(t *testing.T) {
	s, _ := New("fc.v1", []byte("k"))

	sig1, err := s.SignObject(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	sig2, err := s.SignObject(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2, "signature must depend on canonical form only")
}

func TestSHA256Helpers(t *testing.T) {
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	assert.Equal(t, want, SHA256Text("abc"))
	assert.Equal(t, want, SHA256Bytes([]byte("abc")))
}
