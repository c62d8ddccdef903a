// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// IdentityBits is the RSA modulus size for identity keys.
const IdentityBits = 2048

// SealedIdentity is the publishable form of an identity key pair. Only the
// public key is readable without the owner's master secret.
type SealedIdentity struct {
	PublicKey           []byte // SPKI DER
	EncryptedPrivateKey []byte // AES-GCM(PKCS8 DER, master)
	PublicKeyHMAC       []byte
}

// Identity is an unsealed RSA-OAEP key pair held in memory by one device.
type Identity struct {
	PublicKey []byte // SPKI DER
	private   *rsa.PrivateKey
}

// GenerateIdentity creates a key pair and seals it under m.
func GenerateIdentity(m *MasterSecret) (*Identity, *SealedIdentity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, IdentityBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	sealed, err := m.Seal(pkcs8)
	if err != nil {
		return nil, nil, err
	}
	return &Identity{PublicKey: pub, private: priv}, &SealedIdentity{
		PublicKey:           pub,
		EncryptedPrivateKey: sealed,
		PublicKeyHMAC:       m.MAC(pub),
	}, nil
}

// VerifyIntegrity checks that publicKey was authenticated by this master
// secret. A mismatch means the published key was substituted or the local
// master secret is not the one that created it.
func VerifyIntegrity(m *MasterSecret, publicKey, mac []byte) error {
	if !m.VerifyMAC(publicKey, mac) {
		return ErrIdentityIntegrity
	}
	return nil
}

// OpenIdentity verifies and unseals a published identity.
func OpenIdentity(m *MasterSecret, s *SealedIdentity) (*Identity, error) {
	if err := VerifyIntegrity(m, s.PublicKey, s.PublicKeyHMAC); err != nil {
		return nil, err
	}
	pkcs8, err := m.Open(s.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key does not open under master secret", ErrIdentityIntegrity)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: identity key is not RSA", ErrInvalidKey)
	}
	return &Identity{PublicKey: s.PublicKey, private: priv}, nil
}

// ParsePublicKey decodes an SPKI DER RSA key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrInvalidKey)
	}
	return pub, nil
}

// WrapKey encrypts raw for the holder of recipient (SPKI DER) with RSA-OAEP-SHA256.
func WrapKey(recipient, raw []byte) ([]byte, error) {
	pub, err := ParsePublicKey(recipient)
	if err != nil {
		return nil, err
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, raw, nil)
}

// UnwrapKey reverses WrapKey with the identity's private key.
func (id *Identity) UnwrapKey(wrapped []byte) ([]byte, error) {
	raw, err := rsa.DecryptOAEP(sha256.New(), nil, id.private, wrapped, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return raw, nil
}
