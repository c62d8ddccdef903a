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
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/models"
)

var ErrNoVerification = errors.New("no verification in progress for peer")

// Verification is a safety number comparison in progress.
type Verification struct {
	PeerID        string
	PeerPublicKey []byte
	Fingerprint   []byte
	// Emoji is what both users read out and compare.
	Emoji     string
	Initiator bool
	StartedAt time.Time
}

// BeginVerification computes the safety number with peerID's currently
// published key. Both sides must agree on who initiated.
func (k *Keyring) BeginVerification(ctx context.Context, peerID string, initiator bool) (*Verification, error) {
	id, err := k.ready()
	if err != nil {
		return nil, err
	}
	pub, err := k.dir.PublicIdentity(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("fetch public key of %s: %w", peerID, err)
	}
	fp := crypto.Fingerprint(id.PublicKey, pub.PublicKey, initiator)
	v := &Verification{
		PeerID:        peerID,
		PeerPublicKey: pub.PublicKey,
		Fingerprint:   fp,
		Emoji:         crypto.FingerprintEmoji(fp),
		Initiator:     initiator,
		StartedAt:     time.Now(),
	}
	k.mu.Lock()
	k.pending[peerID] = v
	k.mu.Unlock()
	return v, nil
}

// PendingVerification returns the ceremony in progress with peerID.
func (k *Keyring) PendingVerification(peerID string) (*Verification, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.pending[peerID]
	return v, ok
}

// ConfirmVerification records that the user compared the safety numbers
// and they matched.
func (k *Keyring) ConfirmVerification(peerID string) error {
	k.mu.Lock()
	v, ok := k.pending[peerID]
	delete(k.pending, peerID)
	k.mu.Unlock()
	if !ok {
		return ErrNoVerification
	}
	return k.peers.Put(VerifiedPeer{
		PeerID:      peerID,
		PublicKey:   v.PeerPublicKey,
		Fingerprint: v.Fingerprint,
		VerifiedAt:  time.Now(),
	})
}

func (k *Keyring) CancelVerification(peerID string) {
	k.mu.Lock()
	delete(k.pending, peerID)
	k.mu.Unlock()
}

// IsVerified reports whether peerID was verified with the key they publish
// now. A record for an older key is stale and is deleted.
func (k *Keyring) IsVerified(ctx context.Context, peerID string) (bool, error) {
	rec, ok, err := k.peers.Get(peerID)
	if err != nil || !ok {
		return false, err
	}
	pub, err := k.dir.PublicIdentity(ctx, peerID)
	if err != nil {
		return false, fmt.Errorf("fetch public key of %s: %w", peerID, err)
	}
	if bytes.Equal(rec.PublicKey, pub.PublicKey) {
		return true, nil
	}
	level.Warn(k.logger).Log("msg", "peer identity changed since verification", "peer_id", peerID)
	if err := k.peers.Delete(peerID); err != nil {
		return false, err
	}
	return false, nil
}

// UnverifiedPeers lists the other participants of chat that are not
// verified.
func (k *Keyring) UnverifiedPeers(ctx context.Context, chat *models.Chat) ([]string, error) {
	var out []string
	for _, id := range chat.ParticipantIDs() {
		if id == k.userID {
			continue
		}
		ok, err := k.IsVerified(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, id)
		}
	}
	return out, nil
}
