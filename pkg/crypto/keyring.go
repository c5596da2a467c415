package crypto

import (
	"sort"
	"strings"
	"sync"
)

// KeyRing pins signer key ids to known public keys. A signature whose key id
// is pinned must carry the pinned key; unpinned key ids are self-asserted.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]string // keyID -> lowercase hex public key
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]string)}
}

// Pin records the expected public key for keyID, replacing any earlier pin.
func (k *KeyRing) Pin(keyID, publicKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = strings.ToLower(publicKeyHex)
}

// Revoke removes a pin.
func (k *KeyRing) Revoke(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// Lookup returns the pinned public key for keyID.
func (k *KeyRing) Lookup(keyID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.keys[keyID]
	return pk, ok
}

// KeyIDs returns the pinned key ids in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
