package payment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

// testKey is a throwaway secp256k1 key, not tied to any funded wallet.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// TestNewWalletSignerAddress verifies key parsing and address derivation,
// with and without the 0x prefix.
func TestNewWalletSignerAddress(t *testing.T) {
	const wantAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	s, err := NewWalletSigner(testKey)
	if err != nil {
		t.Fatalf("NewWalletSigner: %v", err)
	}
	if s.Address() != wantAddr {
		t.Fatalf("Address = %q, want %q", s.Address(), wantAddr)
	}

	bare, err := NewWalletSigner(testKey[2:])
	if err != nil {
		t.Fatalf("NewWalletSigner without prefix: %v", err)
	}
	if bare.Address() != wantAddr {
		t.Fatalf("prefixless Address = %q, want %q", bare.Address(), wantAddr)
	}
}

// TestNewWalletSignerRejectsGarbage verifies invalid keys fail construction.
func TestNewWalletSignerRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "0x", "0xzz", "0x1234"} {
		if _, err := NewWalletSigner(key); err == nil {
			t.Errorf("NewWalletSigner(%q) should fail", key)
		}
	}
}

// TestSignPayload verifies the header decodes to a payload echoing the
// challenge fields with a 65-byte signature attached.
func TestSignPayload(t *testing.T) {
	s, err := NewWalletSigner(testKey)
	if err != nil {
		t.Fatalf("NewWalletSigner: %v", err)
	}

	ch := Challenge{
		Amount:     "0.0042",
		Asset:      "USDC",
		Chain:      "base",
		Recipient:  "0x9aF2E435b7F1BbDe42dECA5b9D2f38C7D871F9a1",
		Nonce:      "nonce-1",
		ValidUntil: time.Now().Add(5 * time.Minute).Unix(),
	}
	digest := sha256.Sum256([]byte(`{"model":"m"}`))

	header, err := s.Sign(context.Background(), ch, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(header))
	if err != nil {
		t.Fatalf("header is not base64: %v", err)
	}
	var payload authPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("header payload is not JSON: %v", err)
	}

	if payload.Payer != s.Address() {
		t.Errorf("payer = %q, want signer address", payload.Payer)
	}
	if payload.Amount != ch.Amount || payload.Nonce != ch.Nonce || payload.ValidUntil != ch.ValidUntil {
		t.Errorf("payload does not echo the challenge: %+v", payload)
	}
	// 65 signature bytes render as 0x + 130 hex chars.
	if len(payload.Signature) != 2+130 {
		t.Errorf("signature length %d, want 132", len(payload.Signature))
	}
	if payload.Digest[:2] != "0x" || len(payload.Digest) != 2+64 {
		t.Errorf("digest %q is not a 0x-prefixed sha256 hex", payload.Digest)
	}
}

// TestSignDeterministic verifies the same challenge and digest always produce
// the same header.
func TestSignDeterministic(t *testing.T) {
	s, err := NewWalletSigner(testKey)
	if err != nil {
		t.Fatalf("NewWalletSigner: %v", err)
	}
	ch := Challenge{
		Amount: "1", Asset: "USDC", Chain: "base",
		Recipient: "0xabc", Nonce: "n", ValidUntil: 1_900_000_000,
	}
	digest := sha256.Sum256([]byte("body"))

	a, err := s.Sign(context.Background(), ch, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, err := s.Sign(context.Background(), ch, digest)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("signatures differ for identical inputs")
	}
}

// TestSignHonorsContext verifies a cancelled context aborts before signing.
func TestSignHonorsContext(t *testing.T) {
	s, err := NewWalletSigner(testKey)
	if err != nil {
		t.Fatalf("NewWalletSigner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Sign(ctx, Challenge{}, [32]byte{}); err == nil {
		t.Fatal("expected context error")
	}
}
