package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	if id.PublicKey().IsZero() {
		t.Error("GenerateIdentity() public key is zero")
	}
	if len(id.Bytes()) != KeypairSize {
		t.Errorf("Bytes() length = %d, want %d", len(id.Bytes()), KeypairSize)
	}

	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() second call error = %v", err)
	}
	if other.PublicKey() == id.PublicKey() {
		t.Error("GenerateIdentity() produced identical keys")
	}
}

func TestIdentityFromBytes(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	imported, err := IdentityFromBytes(id.Bytes())
	if err != nil {
		t.Fatalf("IdentityFromBytes() error = %v", err)
	}

	if imported.PublicKey() != id.PublicKey() {
		t.Error("imported public key does not match")
	}
	if !bytes.Equal(imported.Bytes(), id.Bytes()) {
		t.Error("imported keypair does not match")
	}
}

func TestIdentityFromBytesInvalid(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	mismatched := id.Bytes()
	mismatched[KeypairSize-1] ^= 0xFF

	tests := []struct {
		name    string
		keypair []byte
	}{
		{"empty", nil},
		{"seed only", id.Bytes()[:32]},
		{"too long", append(id.Bytes(), 0)},
		{"public half mismatch", mismatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IdentityFromBytes(tt.keypair)
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("IdentityFromBytes() error = %v, want %v", err, ErrInvalidKey)
			}
		})
	}
}

func TestBytesReturnsCopy(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	b := id.Bytes()
	b[0] ^= 0xFF

	if bytes.Equal(b, id.Bytes()) {
		t.Error("Bytes() exposes internal key material")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	data := []byte("signed data")
	sig := id.Sign(data)

	if !Verify(id.PublicKey(), data, sig) {
		t.Error("Verify() rejected a valid signature")
	}
	if Verify(id.PublicKey(), []byte("other data"), sig) {
		t.Error("Verify() accepted a signature over different data")
	}

	other, _ := GenerateIdentity()
	if Verify(other.PublicKey(), data, sig) {
		t.Error("Verify() accepted a signature under the wrong key")
	}
}
