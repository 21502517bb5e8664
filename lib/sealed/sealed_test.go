// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bureau-foundation/supportchat/lib/secret"
)

func generate(t *testing.T) *Keypair {
	t.Helper()
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return keypair
}

func TestSealOpen(t *testing.T) {
	keypair := generate(t)

	ciphertext, err := Seal([]byte("device=ABCDEFGH token=syt_x"), keypair.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !bytes.HasPrefix(ciphertext, []byte("-----BEGIN AGE ENCRYPTED FILE-----")) {
		t.Errorf("ciphertext is not armored: %q", ciphertext[:min(len(ciphertext), 40)])
	}
	if bytes.Contains(ciphertext, []byte("syt_x")) {
		t.Error("ciphertext contains plaintext")
	}

	plaintext, err := Open(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer plaintext.Close()
	if plaintext.String() != "device=ABCDEFGH token=syt_x" {
		t.Errorf("Open = %q", plaintext.String())
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	owner := generate(t)
	stranger := generate(t)

	ciphertext, err := Seal([]byte("record"), owner.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(ciphertext, stranger.PrivateKey); err == nil {
		t.Fatal("Open succeeded with the wrong key")
	}
}

func TestOpenEmptyPlaintext(t *testing.T) {
	keypair := generate(t)
	ciphertext, err := Seal(nil, keypair.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	plaintext, err := Open(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plaintext != nil {
		t.Errorf("Open returned %d bytes for empty plaintext", plaintext.Len())
	}
}

func TestSealRejectsBadRecipients(t *testing.T) {
	if _, err := Seal([]byte("x")); err == nil {
		t.Error("Seal with no recipients succeeded")
	}
	if _, err := Seal([]byte("x"), "age1notakey"); err == nil {
		t.Error("Seal with malformed recipient succeeded")
	}
}

func TestLoadKeypairDerivesPublicKey(t *testing.T) {
	original := generate(t)

	copied, err := secret.NewFromString(original.PrivateKey.String() + "\n")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	loaded, err := LoadKeypair(copied)
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	defer loaded.Close()

	if loaded.PublicKey != original.PublicKey {
		t.Errorf("PublicKey = %q, want %q", loaded.PublicKey, original.PublicKey)
	}
	if err := ParsePublicKey(loaded.PublicKey); err != nil {
		t.Errorf("ParsePublicKey: %v", err)
	}

	garbage, _ := secret.NewFromString("AGE-SECRET-KEY-garbage")
	defer garbage.Close()
	if _, err := LoadKeypair(garbage); err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Errorf("LoadKeypair(garbage) err = %v", err)
	}
}
