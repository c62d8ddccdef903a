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

package keyring

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/efchatnet/efgroup/backend/crypto"
)

// VerifiedPeer is a device-local record that the user compared safety
// numbers with PeerID while PeerID published PublicKey.
type VerifiedPeer struct {
	PeerID      string    `cbor:"1,keyasint"`
	PublicKey   []byte    `cbor:"2,keyasint"`
	Fingerprint []byte    `cbor:"3,keyasint"`
	VerifiedAt  time.Time `cbor:"4,keyasint"`
}

// PeerStore keeps verification records on this device. They never go to
// the server.
type PeerStore interface {
	Get(peerID string) (*VerifiedPeer, bool, error)
	Put(p VerifiedPeer) error
	Delete(peerID string) error
}

type MemoryPeerStore struct {
	mu    sync.RWMutex
	peers map[string]VerifiedPeer
}

func NewMemoryPeerStore() *MemoryPeerStore {
	return &MemoryPeerStore{peers: make(map[string]VerifiedPeer)}
}

func (s *MemoryPeerStore) Get(peerID string) (*VerifiedPeer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (s *MemoryPeerStore) Put(p VerifiedPeer) error {
	s.mu.Lock()
	s.peers[p.PeerID] = p
	s.mu.Unlock()
	return nil
}

func (s *MemoryPeerStore) Delete(peerID string) error {
	s.mu.Lock()
	delete(s.peers, peerID)
	s.mu.Unlock()
	return nil
}

// FilePeerStore persists records as a CBOR map sealed under the master
// secret, rewritten on every change.
type FilePeerStore struct {
	path   string
	master *crypto.MasterSecret

	mu    sync.Mutex
	peers map[string]VerifiedPeer
}

// OpenFilePeerStore loads path, which may not exist yet.
func OpenFilePeerStore(path string, master *crypto.MasterSecret) (*FilePeerStore, error) {
	s := &FilePeerStore{path: path, master: master, peers: make(map[string]VerifiedPeer)}
	sealed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := master.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}
	if err := cbor.Unmarshal(raw, &s.peers); err != nil {
		return nil, fmt.Errorf("decode peer store: %w", err)
	}
	return s, nil
}

func (s *FilePeerStore) Get(peerID string) (*VerifiedPeer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (s *FilePeerStore) Put(p VerifiedPeer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.PeerID] = p
	return s.flush()
}

func (s *FilePeerStore) Delete(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peerID]; !ok {
		return nil
	}
	delete(s.peers, peerID)
	return s.flush()
}

func (s *FilePeerStore) flush() error {
	raw, err := cbor.Marshal(s.peers)
	if err != nil {
		return err
	}
	sealed, err := s.master.Seal(raw)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".peers-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
