// genkey generates the secrets a Braid server needs:
//
//   - an Ed25519 key pair for JWT signing
//   - a 32-byte master key for sealing tabular binding credentials
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600 — keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// and prints a BRAID_MASTER_KEY line to paste into .env. The data/ directory
// is gitignored; run once before first launch.
//
// The server auto-generates ephemeral JWT keys when BRAID_JWT_PRIVATE_KEY is
// unset, but those are discarded on every restart, invalidating all issued
// tokens. The master key has no ephemeral fallback: without it, tabular
// bindings are disabled, and rotating it orphans every sealed credential.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	dir := "data"
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0700); err != nil {
		fatal("cannot create %s: %v", dir, err)
	}

	// Refuse to overwrite existing keys — prevents accidental invalidation
	// of live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			fatal("%s already exists — delete it first if you want to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatal("generate key: %v", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		fatal("marshal private key: %v", err)
	}
	writePEM(privPath, "PRIVATE KEY", privDER)

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		fatal("marshal public key: %v", err)
	}
	writePEM(pubPath, "PUBLIC KEY", pubDER)

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		fatal("generate master key: %v", err)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println()
	fmt.Println("Add to .env (printed once — store it somewhere safe):")
	fmt.Printf("BRAID_MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(master))
}

func writePEM(path, blockType string, der []byte) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fatal("create %s: %v", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		fatal("write %s: %v", path, err)
	}
	f.Close()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
