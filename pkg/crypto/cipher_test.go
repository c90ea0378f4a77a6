package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"strata/pkg/dberrors"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("GenerateKey() key length = %d, want %d", len(key), KeySize)
	}

	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("GenerateKey() generated duplicate keys")
	}
}

func TestNewAESGCMInvalidSize(t *testing.T) {
	for _, size := range []int{0, 16, 64} {
		if _, err := NewAESGCM(make([]byte, size)); err != ErrInvalidKey {
			t.Errorf("NewAESGCM(%d bytes) error = %v, want %v", size, err, ErrInvalidKey)
		}
	}
}

func TestSealOpen(t *testing.T) {
	key, _ := GenerateKey()
	c, err := NewAESGCM(key)
	if err != nil {
		t.Fatalf("NewAESGCM() error = %v", err)
	}

	tests := []struct {
		name  string
		plain []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("v")},
		{"block", bytes.Repeat([]byte("abcdef"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Seal(tt.plain)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(sealed) != len(tt.plain)+c.Overhead() {
				t.Fatalf("sealed length = %d, want %d", len(sealed), len(tt.plain)+c.Overhead())
			}
			got, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(got, tt.plain) {
				t.Errorf("Open() = %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key, _ := GenerateKey()
	c, _ := NewAESGCM(key)

	a, _ := c.Seal([]byte("same"))
	b, _ := c.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same block produced identical output")
	}
}

func TestOpenFailuresAreIntegrityErrors(t *testing.T) {
	key, _ := GenerateKey()
	c, _ := NewAESGCM(key)
	sealed, _ := c.Seal([]byte("payload"))

	other, _ := GenerateKey()
	wrong, _ := NewAESGCM(other)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name string
		c    *AESGCM
		in   []byte
	}{
		{"wrong key", wrong, sealed},
		{"tampered", c, tampered},
		{"truncated", c, sealed[:NonceSize]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.c.Open(tt.in)
			if !errors.Is(err, dberrors.ErrIntegrity) {
				t.Errorf("Open() error = %v, want integrity error", err)
			}
		})
	}
}

func TestPassthrough(t *testing.T) {
	var c BlockCipher = Passthrough{}
	in := []byte("plain")
	sealed, _ := c.Seal(in)
	if !bytes.Equal(sealed, in) || c.Overhead() != 0 || c.Enabled() {
		t.Fatalf("Passthrough changed the block: %q", sealed)
	}
}

func TestResolveKey(t *testing.T) {
	key, _ := GenerateKey()
	hexKey := hex.EncodeToString(key)
	b64Key := base64.StdEncoding.EncodeToString(key)

	dir := t.TempDir()
	rawFile := filepath.Join(dir, "raw.key")
	hexFile := filepath.Join(dir, "hex.key")
	if err := os.WriteFile(rawFile, key, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hexFile, []byte(hexKey+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STRATA_TEST_KEY", hexKey)
	t.Setenv("STRATA_TEST_KEY_B64", b64Key)

	tests := []struct {
		name   string
		source string
	}{
		{"hex", "hex:" + hexKey},
		{"base64", "base64:" + b64Key},
		{"env hex", "env:STRATA_TEST_KEY"},
		{"env base64", "env:STRATA_TEST_KEY_B64"},
		{"raw file", "file:" + rawFile},
		{"hex file", "file:" + hexFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveKey(tt.source)
			if err != nil {
				t.Fatalf("ResolveKey(%q) error = %v", tt.source, err)
			}
			if !bytes.Equal(got, key) {
				t.Errorf("ResolveKey(%q) returned a different key", tt.source)
			}
		})
	}
}

func TestResolveKeyErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"unknown", "vault:secret"},
		{"short hex", "hex:abcd"},
		{"bad base64", "base64:!!!"},
		{"missing env", "env:STRATA_TEST_UNSET_KEY"},
		{"missing file", "file:" + filepath.Join(t.TempDir(), "absent")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ResolveKey(tt.source); err == nil {
				t.Errorf("ResolveKey(%q) expected error", tt.source)
			}
		})
	}
}

func TestNewFromSourceDisabled(t *testing.T) {
	c, err := NewFromSource(false, "")
	if err != nil {
		t.Fatalf("NewFromSource() error = %v", err)
	}
	if c.Enabled() {
		t.Error("disabled encryption returned an enabled cipher")
	}
}
