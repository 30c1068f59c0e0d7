package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"chatwire/internal/infra/config"
)

// runKey mints a random API key and prints the hashed gateway.keys entry.
// The plain key is shown once and never stored.
func runKey() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: chatwire key <name>")
		os.Exit(1)
	}
	name := os.Args[2]

	rawKey := make([]byte, 24)
	if _, err := rand.Read(rawKey); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(rawKey)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	hash := config.DeriveKey(key, salt)

	fmt.Printf(`API key %q (hand this to the client, it is not stored):

    %s

Add this entry to config.yaml under gateway.keys:

    - name: %s
      salt: %s
      hash: %s
`, name, key, name, hex.EncodeToString(salt), hex.EncodeToString(hash))
	return nil
}
