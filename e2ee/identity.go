// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/crypto/goolm"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/supportchat/lib/credstore"
	"github.com/bureau-foundation/supportchat/lib/secret"
)

// Store keys holding the pickled Olm account and the key it is
// pickled with, both unpadded base64.
const (
	storeKeyAccount   = "e2ee.olm_account"
	storeKeyPickleKey = "e2ee.pickle_key"
)

// pickleKeySize is the length of the random account pickle key.
const pickleKeySize = 32

// encoding is the unpadded standard base64 Matrix uses for keys and
// signatures.
var encoding = base64.RawStdEncoding

var registerOnce sync.Once

// registerBackend selects the pure-Go Olm implementation. It runs
// before any olm constructor is used.
func registerBackend() {
	registerOnce.Do(goolm.Register)
}

// Identity is a device's Olm account: the long-term Ed25519 signing
// key, the Curve25519 identity key and the one-time keys published for
// peers to open sessions with. Not safe for concurrent use; the Machine
// and its Cipher serialize access.
type Identity struct {
	account   olm.Account
	pickleKey *secret.Buffer
	store     credstore.Store

	signingKey   id.Ed25519
	agreementKey id.Curve25519
}

// GenerateIdentity creates a fresh Olm account. It is not saved.
func GenerateIdentity() (*Identity, error) {
	registerBackend()
	account, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("e2ee: creating Olm account: %w", err)
	}
	key := make([]byte, pickleKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("e2ee: generating pickle key: %w", err)
	}
	pickleKey, err := secret.NewFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("e2ee: %w", err)
	}
	identity, err := newIdentity(account, pickleKey)
	if err != nil {
		pickleKey.Close()
		return nil, err
	}
	return identity, nil
}

func newIdentity(account olm.Account, pickleKey *secret.Buffer) (*Identity, error) {
	signingKey, agreementKey, err := account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("e2ee: reading identity keys: %w", err)
	}
	return &Identity{
		account:      account,
		pickleKey:    pickleKey,
		signingKey:   signingKey,
		agreementKey: agreementKey,
	}, nil
}

// LoadOrGenerateIdentity reads the identity from store, or generates
// and saves one if the store has none. Reports whether it was new.
func LoadOrGenerateIdentity(store credstore.Store) (*Identity, bool, error) {
	pickled, accountErr := store.Get(storeKeyAccount)
	keyText, keyErr := store.Get(storeKeyPickleKey)
	if errors.Is(accountErr, credstore.ErrNotFound) && errors.Is(keyErr, credstore.ErrNotFound) {
		identity, err := GenerateIdentity()
		if err != nil {
			return nil, false, err
		}
		identity.store = store
		if err := identity.save(); err != nil {
			identity.Close()
			return nil, false, err
		}
		return identity, true, nil
	}
	if accountErr != nil {
		return nil, false, fmt.Errorf("e2ee: reading Olm account: %w", accountErr)
	}
	if keyErr != nil {
		return nil, false, fmt.Errorf("e2ee: reading pickle key: %w", keyErr)
	}

	key, err := encoding.DecodeString(keyText)
	if err != nil || len(key) != pickleKeySize {
		return nil, false, fmt.Errorf("e2ee: stored pickle key is malformed")
	}
	pickleKey, err := secret.NewFromBytes(key)
	if err != nil {
		return nil, false, fmt.Errorf("e2ee: %w", err)
	}
	registerBackend()
	account, err := olm.AccountFromPickled([]byte(pickled), pickleKey.Bytes())
	if err != nil {
		pickleKey.Close()
		return nil, false, fmt.Errorf("e2ee: unpickling Olm account: %w", err)
	}
	identity, err := newIdentity(account, pickleKey)
	if err != nil {
		pickleKey.Close()
		return nil, false, err
	}
	identity.store = store
	return identity, false, nil
}

// save pickles the account into the store it was loaded from. The
// account changes whenever one-time keys are generated or consumed.
func (i *Identity) save() error {
	if i.store == nil {
		return nil
	}
	pickled, err := i.account.Pickle(i.pickleKey.Bytes())
	if err != nil {
		return fmt.Errorf("e2ee: pickling Olm account: %w", err)
	}
	if err := i.store.Set(storeKeyAccount, string(pickled)); err != nil {
		return fmt.Errorf("e2ee: saving Olm account: %w", err)
	}
	if err := i.store.Set(storeKeyPickleKey, encoding.EncodeToString(i.pickleKey.Bytes())); err != nil {
		return fmt.Errorf("e2ee: saving pickle key: %w", err)
	}
	return nil
}

// SigningKey returns the Ed25519 public key, unpadded base64.
func (i *Identity) SigningKey() string {
	return i.signingKey.String()
}

// AgreementKey returns the Curve25519 identity key, unpadded base64.
func (i *Identity) AgreementKey() string {
	return i.agreementKey.String()
}

// Sign returns the unpadded base64 Ed25519 signature of message.
func (i *Identity) Sign(message []byte) (string, error) {
	signature, err := i.account.Sign(message)
	if err != nil {
		return "", fmt.Errorf("e2ee: signing: %w", err)
	}
	return string(signature), nil
}

// signedOneTimeKeys generates count fresh one-time keys and returns
// them as the signed_curve25519 objects /keys/upload expects. The keys
// are marked published; the caller must upload them.
func (i *Identity) signedOneTimeKeys(userID, deviceKeyID string, count int) (map[string]any, error) {
	if count <= 0 {
		return nil, nil
	}
	if err := i.account.GenOneTimeKeys(uint(count)); err != nil {
		return nil, fmt.Errorf("e2ee: generating one-time keys: %w", err)
	}
	unpublished, err := i.account.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("e2ee: reading one-time keys: %w", err)
	}
	signed := make(map[string]any, len(unpublished))
	for keyID, key := range unpublished {
		object := map[string]any{"key": key.String()}
		message, err := canonicalJSON(object)
		if err != nil {
			return nil, err
		}
		signature, err := i.Sign(message)
		if err != nil {
			return nil, err
		}
		object["signatures"] = map[string]map[string]string{
			userID: {deviceKeyID: signature},
		}
		signed[oneTimeKeyAlgorithm+":"+keyID] = object
	}
	i.account.MarkKeysAsPublished()
	return signed, i.save()
}

// Close zeroes the pickle key and drops the account.
func (i *Identity) Close() {
	if i.pickleKey != nil {
		i.pickleKey.Close()
		i.pickleKey = nil
	}
	i.account = nil
}
