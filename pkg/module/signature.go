package module

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
)

var ErrNoSignature = errors.New("product is not signed")

// SignatureVerifier checks a product signature against trusted keys.
type SignatureVerifier interface {
	Verify(product *models.Product) (bool, error)
}

// KeyChain verifies ed25519 signatures against a set of named public keys.
type KeyChain struct {
	keys map[string]ed25519.PublicKey
}

// NewKeyChain creates a key chain from base64 encoded public keys, keyed by name.
func NewKeyChain(encoded map[string]string) (*KeyChain, error) {
	chain := &KeyChain{keys: make(map[string]ed25519.PublicKey, len(encoded))}
	for name, value := range encoded {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", name, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %s: expected %d bytes, got %d", name, ed25519.PublicKeySize, len(raw))
		}
		chain.keys[name] = ed25519.PublicKey(raw)
	}
	return chain, nil
}

// LoadKeyChain reads a YAML mapping of key name to base64 public key.
func LoadKeyChain(filePath string) (*KeyChain, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys file: %w", err)
	}
	var encoded map[string]string
	if err := yaml.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("failed to parse keys YAML: %w", err)
	}
	return NewKeyChain(encoded)
}

func (c *KeyChain) Verify(product *models.Product) (bool, error) {
	if c == nil {
		return false, nil
	}
	if product.Signature == "" {
		return false, ErrNoSignature
	}
	signature, err := base64.StdEncoding.DecodeString(product.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	message := SignedContent(product)
	for _, key := range c.keys {
		if ed25519.Verify(key, message, signature) {
			return true, nil
		}
	}
	return false, nil
}

// Sign signs the product with the private key and stores the base64 signature on it.
func Sign(product *models.Product, key ed25519.PrivateKey) {
	product.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, SignedContent(product)))
}

// SignedContent is the canonical byte form covered by a signature: the product id, status, then sorted
// properties and links, one per line.
func SignedContent(product *models.Product) []byte {
	var b strings.Builder
	b.WriteString(product.ID.String())
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(product.Status))
	b.WriteByte('\n')

	names := make([]string, 0, len(product.Properties))
	for name := range product.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "property %s=%s\n", name, product.Properties[name])
	}

	relations := make([]string, 0, len(product.Links))
	for relation := range product.Links {
		relations = append(relations, relation)
	}
	sort.Strings(relations)
	for _, relation := range relations {
		for _, uri := range product.Links[relation] {
			fmt.Fprintf(&b, "link %s=%s\n", relation, uri)
		}
	}
	return []byte(b.String())
}
