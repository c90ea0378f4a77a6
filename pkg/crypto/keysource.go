package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// Key source prefixes accepted by ResolveKey.
const (
	SourceEnv    = "env:"
	SourceFile   = "file:"
	SourceHex    = "hex:"
	SourceBase64 = "base64:"
	SourcePrompt = "prompt"
)

var ErrUnknownKeySource = errors.New("unknown encryption key source")

// ResolveKey loads a 32-byte key from a source description:
//
//	env:NAME     hex or base64 key in an environment variable
//	file:PATH    file holding 32 raw bytes or 64 hex characters
//	hex:...      inline hex
//	base64:...   inline base64
//	prompt       read from the controlling terminal
func ResolveKey(source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, SourceEnv):
		name := strings.TrimPrefix(source, SourceEnv)
		val, ok := os.LookupEnv(name)
		if !ok {
			return nil, fmt.Errorf("key env %s is not set", name)
		}
		return decodeText(strings.TrimSpace(val))

	case strings.HasPrefix(source, SourceFile):
		return loadKeyFile(strings.TrimPrefix(source, SourceFile))

	case strings.HasPrefix(source, SourceHex):
		return decodeHex(strings.TrimPrefix(source, SourceHex))

	case strings.HasPrefix(source, SourceBase64):
		return decodeBase64(strings.TrimPrefix(source, SourceBase64))

	case source == SourcePrompt:
		return promptKey()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKeySource, source)
}

func loadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(data) == KeySize {
		return data, nil
	}
	return decodeHex(string(bytes.TrimSpace(data)))
}

func promptKey() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("key prompt needs a terminal")
	}

	fmt.Fprint(os.Stderr, "encryption key (hex): ")
	line, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return decodeText(strings.TrimSpace(string(line)))
}

// decodeText accepts a hex key first and falls back to base64.
func decodeText(s string) ([]byte, error) {
	if key, err := decodeHex(s); err == nil {
		return key, nil
	}
	return decodeBase64(s)
}

func decodeHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func decodeBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// NewFromSource returns the cipher for the given settings. A disabled
// configuration yields Passthrough.
func NewFromSource(enabled bool, source string) (BlockCipher, error) {
	if !enabled {
		return Passthrough{}, nil
	}
	key, err := ResolveKey(source)
	if err != nil {
		return nil, err
	}
	return NewAESGCM(key)
}
