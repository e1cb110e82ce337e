package relaysrv

import (
	"encoding/json"
	"time"

	"studiorelay/audit"
	"studiorelay/internal/logging"
)

// Router is the single authoritative dispatcher for inbound frames. It
// serializes access to the three shared registries by taking their own
// locks in the fixed order registry -> pairings -> graph whenever an
// operation touches more than one; none of the individual store methods
// below are called while holding another store's lock, so that order is
// never actually contended in practice.
type Router struct {
	registry *DeviceRegistry
	pairings *PairingStore
	graph    *PairingGraph
	logger   *logging.Logger
	audit    *audit.Logger
}

// NewRouter wires a Router to its three shared stores.
func NewRouter(registry *DeviceRegistry, pairings *PairingStore, graph *PairingGraph, logger *logging.Logger, auditLog *audit.Logger) *Router {
	return &Router{registry: registry, pairings: pairings, graph: graph, logger: logger, audit: auditLog}
}

// caller identifies the connection a frame arrived on.
type caller struct {
	userID     string
	deviceID   string
	role       DeviceRole
	deviceName string
	out        Outbound
}

// OnAttach is called once a connection has been admitted and registered
// in DeviceRegistry. It emits device-online to every paired peer and, for
// a mobile, the initial device-list.
func (r *Router) OnAttach(c caller) {
	peers := r.graph.PeerOf(c.userID, c.deviceID)
	for _, peerID := range peers {
		if _, _, _, peerOut, ok := r.registry.Get(peerID); ok {
			peerOut.Send(outbound(map[string]interface{}{
				"type":     typeDeviceOnline,
				"deviceId": c.deviceID,
			}))
		}
	}

	if c.role == RoleMobile {
		c.out.Send(r.buildDeviceList(c.userID))
	}

	r.audit.Connection(c.userID, c.deviceID, "attach", "ok")
}

// OnDetach is called after a connection is removed from DeviceRegistry
// (i.e. it was not displaced by a newer connection for the same device).
func (r *Router) OnDetach(c caller) {
	peers := r.graph.PeerOf(c.userID, c.deviceID)
	for _, peerID := range peers {
		if _, _, _, peerOut, ok := r.registry.Get(peerID); ok {
			peerOut.Send(outbound(map[string]interface{}{
				"type":     typeDeviceOffline,
				"deviceId": c.deviceID,
			}))
		}
	}
	r.audit.Connection(c.userID, c.deviceID, "detach", "ok")
}

func (r *Router) buildDeviceList(userID string) []byte {
	desktops := r.graph.DesktopsForUser(userID)
	type entry struct {
		DeviceID string `json:"deviceId"`
		Online   bool   `json:"online"`
	}
	list := make([]entry, 0, len(desktops))
	for _, id := range desktops {
		list = append(list, entry{DeviceID: id, Online: r.registry.Online(id)})
	}
	return mustJSON(map[string]interface{}{
		"type":    typeDeviceList,
		"devices": list,
	})
}

// Dispatch decodes and handles a single inbound frame. It never returns
// an error to the caller in the Go sense: protocol violations are folded
// into an `error` frame sent back on c.out, and the connection is never
// closed because of them.
func (r *Router) Dispatch(c caller, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.sendError(c, ErrInvalidFormat)
		r.audit.ProtocolError(c.userID, c.deviceID, "dispatch", err.Error())
		return
	}

	var err error
	switch frame.Type {
	case typeHeartbeat:
		c.out.Send(outbound(map[string]interface{}{"type": typePong}))
		return
	case typeRegisterPair:
		err = r.handleRegisterPairing(c, frame)
	case typeClaimPair:
		err = r.handleClaimPairing(c, frame)
	case typeRevokePair:
		err = r.handleRevokePairing(c, frame)
	case typeRelay:
		err = r.handleRelay(c, frame)
	case typeControlReq:
		err = r.handleControlRequest(c, frame)
	case typeControlAck:
		err = r.handleControlAck(c, frame)
	case typeControlRevoke:
		err = r.handleControlRevoked(c, frame)
	default:
		err = ErrUnknownType
	}

	if err != nil {
		r.sendError(c, err)
		r.audit.ProtocolError(c.userID, c.deviceID, frame.Type, err.Error())
	}
}

func (r *Router) sendError(c caller, err error) {
	c.out.Send(outbound(map[string]interface{}{
		"type":    typeError,
		"message": err.Error(),
	}))
}

func (r *Router) handleRegisterPairing(c caller, f inboundFrame) error {
	if c.role != RoleDesktop {
		return ErrRoleViolation
	}
	if f.PairingCode == "" || f.PublicKey == "" {
		return ErrMissingField
	}

	r.pairings.Register(PairingOffer{
		PairingCode:        f.PairingCode,
		UserID:             c.userID,
		DesktopDeviceID:    c.deviceID,
		DesktopPublicKey:   f.PublicKey,
		DesktopDisplayName: f.DeviceName,
		CreatedAt:          time.Now(),
	})
	r.audit.Pairing(c.userID, c.deviceID, "", "register", "ok")
	return nil
}

func (r *Router) handleClaimPairing(c caller, f inboundFrame) error {
	if c.role != RoleMobile {
		return ErrRoleViolation
	}
	if f.PairingCode == "" || f.PublicKey == "" {
		return ErrMissingField
	}

	offer, status := r.pairings.Consume(f.PairingCode, c.userID, time.Now())
	switch status {
	case ConsumeNotFound:
		r.audit.Pairing(c.userID, c.deviceID, "", "claim", "expired")
		return ErrPairingExpired
	case ConsumeWrongUser:
		r.audit.Pairing(c.userID, c.deviceID, offer.DesktopDeviceID, "claim", "wrong-user")
		return ErrPairingWrongUser
	}

	r.graph.Link(c.userID, offer.DesktopDeviceID, c.deviceID)
	r.audit.Pairing(c.userID, c.deviceID, offer.DesktopDeviceID, "claim", "ok")

	if _, _, _, desktopOut, ok := r.registry.Get(offer.DesktopDeviceID); ok {
		desktopOut.Send(outbound(map[string]interface{}{
			"type":       typePairingAccepted,
			"publicKey":  f.PublicKey,
			"deviceId":   c.deviceID,
			"deviceName": c.deviceName,
		}))
	}
	c.out.Send(outbound(map[string]interface{}{
		"type":       typePairingAccepted,
		"publicKey":  offer.DesktopPublicKey,
		"deviceId":   offer.DesktopDeviceID,
		"deviceName": offer.DesktopDisplayName,
	}))
	return nil
}

func (r *Router) handleRevokePairing(c caller, f inboundFrame) error {
	if f.TargetDeviceID == "" {
		return ErrMissingField
	}
	if !r.graph.AreLinked(c.deviceID, f.TargetDeviceID) {
		return ErrNotPaired
	}

	r.graph.Unlink(c.deviceID, f.TargetDeviceID)
	r.audit.Pairing(c.userID, c.deviceID, f.TargetDeviceID, "revoke", "ok")

	if _, _, _, targetOut, ok := r.registry.Get(f.TargetDeviceID); ok {
		targetOut.Send(outbound(map[string]interface{}{
			"type":     typePairingRevoked,
			"deviceId": c.deviceID,
		}))
	}
	return nil
}

func (r *Router) handleRelay(c caller, f inboundFrame) error {
	if f.To == "" || f.Payload == "" || f.Seq == nil {
		return ErrMissingField
	}
	if !r.graph.AreLinked(c.deviceID, f.To) {
		return ErrNotPaired
	}

	_, _, _, targetOut, ok := r.registry.Get(f.To)
	if !ok {
		return ErrTargetOffline
	}

	targetOut.Send(outbound(map[string]interface{}{
		"type":    typeRelay,
		"from":    c.deviceID,
		"payload": f.Payload,
		"seq":     *f.Seq,
	}))
	return nil
}

func (r *Router) handleControlRequest(c caller, f inboundFrame) error {
	if c.role != RoleMobile {
		return ErrRoleViolation
	}
	if f.TargetDesktopID == "" {
		return ErrMissingField
	}
	if !r.graph.AreLinked(c.deviceID, f.TargetDesktopID) {
		return ErrNotPaired
	}

	_, _, _, targetOut, ok := r.registry.Get(f.TargetDesktopID)
	if !ok {
		return ErrTargetOffline
	}
	targetOut.Send(outbound(map[string]interface{}{
		"type":       typeControlReq,
		"from":       c.deviceID,
		"deviceName": c.deviceName,
	}))
	r.audit.Control(c.userID, c.deviceID, f.TargetDesktopID, "request", "sent")
	return nil
}

func (r *Router) handleControlAck(c caller, f inboundFrame) error {
	if f.To == "" || f.Accepted == nil {
		return ErrMissingField
	}
	_, _, _, targetOut, ok := r.registry.Get(f.To)
	if !ok {
		return ErrTargetOffline
	}
	targetOut.Send(outbound(map[string]interface{}{
		"type":     typeControlAck,
		"from":     c.deviceID,
		"accepted": *f.Accepted,
	}))
	r.audit.Control(c.userID, c.deviceID, f.To, "ack", "sent")
	return nil
}

func (r *Router) handleControlRevoked(c caller, f inboundFrame) error {
	if f.To == "" {
		return ErrMissingField
	}
	_, _, _, targetOut, ok := r.registry.Get(f.To)
	if !ok {
		return ErrTargetOffline
	}
	targetOut.Send(outbound(map[string]interface{}{
		"type": typeControlRevoke,
		"from": c.deviceID,
	}))
	r.audit.Control(c.userID, c.deviceID, f.To, "revoke", "sent")
	return nil
}
