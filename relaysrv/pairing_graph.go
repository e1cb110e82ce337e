package relaysrv

import (
	"sync"
	"time"
)

// pairRelation is a persistent desktop<->mobile membership under one user,
// rebuilt server-side on every successful claim. The server's copy is
// advisory: it exists purely as a routing/liveness filter, never as the
// source of truth for E2EE key material (that lives only on the
// endpoints).
type pairRelation struct {
	UserID       string
	DesktopID    string
	MobileID     string
	PairedAt     time.Time
}

// PairingGraph is the in-memory list of pair relations.
type PairingGraph struct {
	mu        sync.RWMutex
	relations []pairRelation
}

// NewPairingGraph creates an empty graph.
func NewPairingGraph() *PairingGraph {
	return &PairingGraph{}
}

// Link records (userID, desktopID, mobileID) as paired, replacing any
// existing relation with the same pair of device ids under the same user.
func (g *PairingGraph) Link(userID, desktopID, mobileID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, rel := range g.relations {
		if rel.UserID == userID && rel.DesktopID == desktopID && rel.MobileID == mobileID {
			g.relations[i].PairedAt = time.Now()
			return
		}
	}
	g.relations = append(g.relations, pairRelation{
		UserID:    userID,
		DesktopID: desktopID,
		MobileID:  mobileID,
		PairedAt:  time.Now(),
	})
}

// Unlink removes every relation containing both device ids, regardless of
// role order.
func (g *PairingGraph) Unlink(deviceIDA, deviceIDB string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.relations[:0]
	for _, rel := range g.relations {
		if containsPair(rel, deviceIDA, deviceIDB) {
			continue
		}
		kept = append(kept, rel)
	}
	g.relations = kept
}

// AreLinked reports whether any relation contains both device ids, in
// either role.
func (g *PairingGraph) AreLinked(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, rel := range g.relations {
		if containsPair(rel, a, b) {
			return true
		}
	}
	return false
}

// PeerOf returns the other device ids a given device id is paired with
// under userID, under either role.
func (g *PairingGraph) PeerOf(userID, deviceID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var peers []string
	for _, rel := range g.relations {
		if rel.UserID != userID {
			continue
		}
		switch deviceID {
		case rel.DesktopID:
			peers = append(peers, rel.MobileID)
		case rel.MobileID:
			peers = append(peers, rel.DesktopID)
		}
	}
	return peers
}

// DesktopsForUser returns the set of desktop device ids ever seen paired
// under userID, used to build the mobile's device-list on connect.
func (g *PairingGraph) DesktopsForUser(userID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, rel := range g.relations {
		if rel.UserID != userID {
			continue
		}
		if _, ok := seen[rel.DesktopID]; ok {
			continue
		}
		seen[rel.DesktopID] = struct{}{}
		out = append(out, rel.DesktopID)
	}
	return out
}

// Len reports the number of relations, for metrics.
func (g *PairingGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relations)
}

func containsPair(rel pairRelation, a, b string) bool {
	return (rel.DesktopID == a && rel.MobileID == b) || (rel.DesktopID == b && rel.MobileID == a)
}
