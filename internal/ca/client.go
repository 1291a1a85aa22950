package ca

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
	"github.com/toonlabs/otpd/internal/zone"
)

// clientConn is the connection surface the handler needs; tests substitute a
// recorder.
type clientConn interface {
	ReadDatagram() ([]byte, error)
	WriteDatagram(dg *wire.Datagram) error
	Close() error
	RemoteAddr() string
}

// zoneReply remembers which replies the in-flight interest handshake owes the
// client. See sendZoneReply for the table.
type zoneReply struct {
	oldZone uint32
	newZone uint32
}

// Client is the per-connection state. It is owned by the server event loop;
// the read loop only pushes frames.
type Client struct {
	srv  *Server
	conn clientConn

	// allocated is the pool channel, held for the connection's lifetime.
	// channel is the current sender channel; it changes at login and at
	// avatar activation. channels lists every subscription for teardown.
	allocated proto.Channel
	channel   proto.Channel
	channels  []proto.Channel

	authenticated bool
	accountID     uint32
	avatarID      uint32

	// op guards the single in-flight database orchestration.
	op string

	interestZones map[uint32]struct{}
	seen          map[uint32]map[uint32]struct{} // zone -> visible doIds
	seenZone      map[uint32]uint32              // doId -> zone
	owned         map[uint32]struct{}
	pending       map[uint32]struct{}

	visStores map[uint32]zone.VisStore
	branch    uint32

	// locationCB fires on the next LOCATION_ACK for the avatar.
	locationCB    func(doID, oldParent, oldZone, newParent, newZone uint32)
	zoneReply     *zoneReply
	interestTimer *time.Timer

	closed bool
}

func newClient(s *Server, conn clientConn, allocated proto.Channel) *Client {
	return &Client{
		srv:           s,
		conn:          conn,
		allocated:     allocated,
		channel:       allocated,
		interestZones: map[uint32]struct{}{zone.QuietZone: {}},
		seen:          make(map[uint32]map[uint32]struct{}),
		seenZone:      make(map[uint32]uint32),
		owned:         make(map[uint32]struct{}),
		pending:       make(map[uint32]struct{}),
		visStores:     make(map[uint32]zone.VisStore),
	}
}

func (c *Client) readLoop() {
	for {
		payload, err := c.conn.ReadDatagram()
		c.srv.frames <- clientFrame{client: c, payload: payload, err: err}
		if err != nil {
			return
		}
	}
}

func (c *Client) sendToClient(dg *wire.Datagram) {
	if err := c.conn.WriteDatagram(dg); err != nil {
		c.srv.log.Debug().Err(err).Msg("client write failed")
	}
}

func (c *Client) sendBus(dg *wire.Datagram) {
	if err := c.srv.send.Send(dg); err != nil {
		c.srv.log.Warn().Err(err).Msg("bus send failed")
	}
}

// disconnect sends CLIENT_GO_GET_LOST with a code and drops the connection.
func (c *Client) disconnect(code uint16, reason string) {
	dg := wire.ClientDatagram(proto.ClientGoGetLost)
	dg.AddUint16(code)
	dg.AddString(reason)
	c.sendToClient(dg)
	if m := c.srv.metrics; m != nil {
		m.Disconnects.WithLabelValues(strconv.Itoa(int(code))).Inc()
	}
	c.srv.log.Info().Uint16("code", code).Str("reason", reason).Uint32("account", c.accountID).Msg("disconnecting client")
	c.srv.dropClient(c)
}

func (c *Client) beginOp(name string) bool {
	if c.op != "" {
		c.srv.log.Warn().Str("active", c.op).Str("requested", name).Msg("operation already in flight")
		return false
	}
	c.op = name
	return true
}

func (c *Client) endOp() { c.op = "" }

// setChannel switches the sender channel, keeping the allocated channel
// subscribed through every transition.
func (c *Client) setChannel(ch proto.Channel) {
	if ch == c.channel {
		return
	}
	if c.channel != c.allocated {
		c.srv.unbindChannel(c, c.channel)
	}
	if ch != c.allocated {
		c.srv.bindChannel(c, ch)
	}
	c.channel = ch
}

// external dispatch

func (c *Client) handleClientDatagram(payload []byte) {
	it := wire.NewIterator(payload)
	msgType, err := it.ReadUint16()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "empty datagram")
		return
	}
	switch msgType {
	case proto.ClientHeartbeat:
	case proto.ClientDisconnect:
		c.srv.dropClient(c)
	case proto.ClientLogin2:
		c.handleLogin(it)
	default:
		if !c.authenticated {
			c.disconnect(proto.DisconnectAnonymousViolation, "first message must be a login")
			return
		}
		c.handleAuthenticated(msgType, it)
	}
}

func (c *Client) handleLogin(it *wire.Iterator) {
	token, err := it.ReadString()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "truncated login")
		return
	}
	version, err := it.ReadString()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "truncated login")
		return
	}
	hash, err := it.ReadUint32()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "truncated login")
		return
	}
	tokenType, err := it.ReadInt32()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "truncated login")
		return
	}
	if c.authenticated {
		c.srv.log.Warn().Uint32("account", c.accountID).Msg("repeated login ignored")
		return
	}
	if version != c.srv.cfg.Version {
		c.disconnect(proto.DisconnectBadVersion, fmt.Sprintf("client version mismatch: %s", version))
		return
	}
	if hash != c.srv.cfg.HashVal {
		c.disconnect(proto.DisconnectBadDCHash, "dc hash mismatch")
		return
	}
	if tokenType != proto.TokenTypeBlue {
		c.disconnect(proto.DisconnectInvalidTokenType, fmt.Sprintf("token type %d not accepted", tokenType))
		return
	}
	c.loadAccount(token)
}

func (c *Client) handleAuthenticated(msgType uint16, it *wire.Iterator) {
	switch msgType {
	case proto.ClientGetShardList:
		c.sendBus(wire.ServerDatagram(proto.StateServerChannel, c.channel, proto.StateServerGetShardAll))

	case proto.ClientGetAvatars:
		c.getAvatars()

	case proto.ClientGetAvatarDetails:
		avatarID, err := it.ReadUint32()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated avatar details request")
			return
		}
		c.getAvatarDetails(avatarID)

	case proto.ClientCreateAvatar:
		echo, err := it.ReadUint16()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated create avatar")
			return
		}
		dna, err := it.ReadString()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated create avatar")
			return
		}
		index, err := it.ReadUint8()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated create avatar")
			return
		}
		c.createAvatar(echo, dna, index)

	case proto.ClientSetAvatar:
		avatarID, err := it.ReadUint32()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated set avatar")
			return
		}
		c.setAvatar(avatarID)

	case proto.ClientDeleteAvatar:
		avatarID, err := it.ReadUint32()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated delete avatar")
			return
		}
		c.deleteAvatar(avatarID)

	case proto.ClientSetWishname:
		avatarID, err := it.ReadUint32()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated wishname")
			return
		}
		name, err := it.ReadString()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated wishname")
			return
		}
		c.setWishname(avatarID, name)

	case proto.ClientSetNamePattern:
		avatarID, err := it.ReadUint32()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated name pattern")
			return
		}
		var indices, flags [4]uint16
		for i := 0; i < 4; i++ {
			if indices[i], err = it.ReadUint16(); err != nil {
				c.disconnect(proto.DisconnectTruncatedDatagram, "truncated name pattern")
				return
			}
			if flags[i], err = it.ReadUint16(); err != nil {
				c.disconnect(proto.DisconnectTruncatedDatagram, "truncated name pattern")
				return
			}
		}
		c.setNamePattern(avatarID, indices, flags)

	case proto.ClientGetFriendList:
		c.getFriendsList()

	case proto.ClientRemoveFriend:
		// Friend graph edits are owned by the shard simulation; the gateway
		// only relays presence.
		if _, err := it.ReadUint32(); err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated remove friend")
		}

	case proto.ClientSetShard:
		shardID, err := it.ReadUint32()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated set shard")
			return
		}
		c.handleSetShard(shardID)

	case proto.ClientSetZone:
		z, err := it.ReadUint16()
		if err != nil {
			c.disconnect(proto.DisconnectTruncatedDatagram, "truncated set zone")
			return
		}
		c.handleSetZone(uint32(z))

	case proto.ClientObjectUpdateField:
		c.handleClientUpdateField(it)

	default:
		c.disconnect(proto.DisconnectInvalidMsgType, fmt.Sprintf("unknown message type %d", msgType))
	}
}

// handleClientUpdateField relays a field update onto the object's channel.
// Sendability is the State Server's call; the gateway only reframes.
func (c *Client) handleClientUpdateField(it *wire.Iterator) {
	doID, err := it.ReadUint32()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "truncated field update")
		return
	}
	fieldNumber, err := it.ReadUint16()
	if err != nil {
		c.disconnect(proto.DisconnectTruncatedDatagram, "truncated field update")
		return
	}
	dg := wire.ServerDatagram(uint64(doID), c.channel, proto.StateServerObjectUpdateField)
	dg.AddUint16(fieldNumber)
	dg.AddData(it.Remaining())
	c.sendBus(dg)
}

// interest management

func (c *Client) handleSetShard(shardID uint32) {
	avatarID := proto.AvatarID(c.channel)
	if avatarID == 0 {
		c.srv.log.Warn().Msg("set shard without an active avatar")
		return
	}
	c.locationCB = func(doID, oldParent, oldZone, newParent, newZone uint32) {
		c.sendToClient(wire.ClientDatagram(proto.ClientGetStateResp))
	}
	dg := wire.ServerDatagram(uint64(avatarID), c.channel, proto.StateServerObjectSetAI)
	dg.AddUint64(uint64(shardID))
	c.sendBus(dg)
}

func (c *Client) handleSetZone(newZone uint32) {
	avatarID := proto.AvatarID(c.channel)
	if avatarID == 0 {
		c.srv.log.Warn().Msg("set zone without an active avatar")
		return
	}
	c.locationCB = c.finishZoneChange
	dg := wire.ServerDatagram(uint64(avatarID), c.channel, proto.StateServerObjectSetZone)
	dg.AddUint32(newZone)
	c.sendBus(dg)
}

// finishZoneChange runs when the State Server acknowledges the avatar's move.
// It diffs the interest set: zones leaving interest take their visible
// objects with them, zones entering interest are queried for contents.
func (c *Client) finishZoneChange(doID, oldParent, oldZone, newParent, newZone uint32) {
	newSet := c.effectiveInterest(newZone)

	for z := range c.interestZones {
		if _, keep := newSet[z]; keep {
			continue
		}
		for id := range c.seen[z] {
			c.sendObjectDelete(id)
		}
		delete(c.seen, z)
		delete(c.interestZones, z)
	}
	for z := range newSet {
		c.interestZones[z] = struct{}{}
	}

	c.zoneReply = &zoneReply{oldZone: oldZone, newZone: newZone}
	c.pending = make(map[uint32]struct{})

	zones := make([]uint32, 0, len(c.interestZones))
	for z := range c.interestZones {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })

	dg := wire.ServerDatagram(uint64(proto.AvatarID(c.channel)), c.channel, proto.StateServerObjectGetZonesObjects)
	dg.AddUint16(uint16(len(zones)))
	for _, z := range zones {
		dg.AddUint32(z)
	}
	c.sendBus(dg)
	c.armInterestTimer()
}

// effectiveInterest resolves the interest set for a zone, loading and caching
// the branch visibility table for streets. Only the current branch's table is
// kept.
func (c *Client) effectiveInterest(z uint32) map[uint32]struct{} {
	var store zone.VisStore
	if zone.IsStreet(z) {
		b := zone.BranchZone(z)
		cached, ok := c.visStores[b]
		if !ok {
			loaded, err := c.srv.vis.LoadBranch(b)
			if err != nil {
				c.srv.log.Warn().Uint32("branch", b).Err(err).Msg("visibility load failed")
				loaded = zone.VisStore{}
			}
			c.visStores[b] = loaded
			cached = loaded
		}
		store = cached
		if c.branch != 0 && c.branch != b {
			delete(c.visStores, c.branch)
		}
		c.branch = b
	} else if c.branch != 0 {
		delete(c.visStores, c.branch)
		c.branch = 0
	}
	return zone.EffectiveInterest(z, store)
}

// sendZoneReply answers the client's SET_ZONE or SET_SHARD. Which message it
// gets depends on where it came from, where it is going, and whether the
// handshake has completed:
//
//	to quiet zone, incomplete:  nothing yet
//	to quiet zone, from 0:      DONE_SET_ZONE
//	to quiet zone, from other:  GET_STATE
//	elsewhere,   incomplete:    DONE_SET_ZONE from 0, GET_STATE otherwise
//	elsewhere,   complete:      DONE_SET_ZONE
func (c *Client) sendZoneReply(complete bool) {
	r := c.zoneReply
	if r == nil {
		return
	}
	if r.newZone == zone.QuietZone {
		if !complete {
			return
		}
		if r.oldZone == 0 {
			c.sendDoneSetZone(r.newZone)
		} else {
			c.sendGetState(r.newZone)
		}
		return
	}
	if complete || r.oldZone == 0 {
		c.sendDoneSetZone(r.newZone)
		return
	}
	c.sendGetState(r.newZone)
}

func (c *Client) sendDoneSetZone(z uint32) {
	dg := wire.ClientDatagram(proto.ClientDoneSetZoneResp)
	dg.AddUint16(uint16(z))
	c.sendToClient(dg)
}

func (c *Client) sendGetState(z uint32) {
	dg := wire.ClientDatagram(proto.ClientGetStateResp)
	dg.AddData(make([]byte, 12))
	dg.AddUint16(uint16(z))
	c.sendToClient(dg)
}

func (c *Client) armInterestTimer() {
	if c.interestTimer != nil {
		c.interestTimer.Stop()
	}
	c.interestTimer = c.srv.after(c.srv.cfg.InterestTimeout, c.interestTimeout)
}

func (c *Client) interestTimeout() {
	if c.closed || c.zoneReply == nil {
		return
	}
	c.srv.log.Warn().Int("pending", len(c.pending)).Uint32("avatar", c.avatarID).Msg("interest handshake timed out")
	if m := c.srv.metrics; m != nil {
		m.InterestTimeouts.Inc()
	}
	c.interestDone()
}

func (c *Client) interestDone() {
	if c.interestTimer != nil {
		c.interestTimer.Stop()
		c.interestTimer = nil
	}
	c.sendZoneReply(true)
	c.zoneReply = nil
	c.pending = make(map[uint32]struct{})
}

func (c *Client) maybeInterestDone() {
	if c.zoneReply != nil && len(c.pending) == 0 {
		c.interestDone()
	}
}

func (c *Client) markSeen(doID, z uint32) {
	if c.seen[z] == nil {
		c.seen[z] = make(map[uint32]struct{})
	}
	c.seen[z][doID] = struct{}{}
	c.seenZone[doID] = z
}

// sendObjectDelete retires a visible object on the client.
func (c *Client) sendObjectDelete(doID uint32) {
	if z, ok := c.seenZone[doID]; ok {
		delete(c.seen[z], doID)
		delete(c.seenZone, doID)
	}
	dg := wire.ClientDatagram(proto.ClientObjectDeleteResp)
	dg.AddUint32(doID)
	c.sendToClient(dg)
}

// internal dispatch

func (c *Client) handleInternal(sender proto.Channel, msgType uint16, it *wire.Iterator) {
	switch msgType {
	case proto.StateServerObjectEnterLocationWithRequired:
		c.handleEnterLocation(it, false)
	case proto.StateServerObjectEnterLocationWithRequiredOther:
		c.handleEnterLocation(it, true)
	case proto.StateServerObjectEnterOwnerWithRequired:
		c.handleEnterOwner(it, false)
	case proto.StateServerObjectEnterOwnerWithRequiredOther:
		c.handleEnterOwner(it, true)
	case proto.StateServerObjectChangingLocation:
		c.handleChangingLocation(it)
	case proto.StateServerObjectDeleteRAM:
		c.handleObjectGone(it)
	case proto.StateServerObjectUpdateField:
		c.handleInternalUpdateField(it)
	case proto.StateServerObjectLocationAck:
		c.handleLocationAck(it)
	case proto.StateServerObjectGetZonesObjectsResp:
		c.handleZonesObjectsResp(it)
	case proto.StateServerGetShardAllResp:
		c.handleShardListResp(it)
	case proto.ClientAgentDisconnect:
		code, err := it.ReadUint16()
		if err != nil {
			code = proto.DisconnectShardClosed
		}
		reason, _ := it.ReadString()
		c.disconnect(code, reason)
	case proto.ClientAgentFriendOnline:
		friendID, err := it.ReadUint32()
		if err != nil {
			return
		}
		dg := wire.ClientDatagram(proto.ClientFriendOnline)
		dg.AddUint32(friendID)
		c.sendToClient(dg)
	case proto.ClientAgentFriendOffline:
		friendID, err := it.ReadUint32()
		if err != nil {
			return
		}
		dg := wire.ClientDatagram(proto.ClientFriendOffline)
		dg.AddUint32(friendID)
		c.sendToClient(dg)
	default:
		handled, err := c.srv.db.HandleResponse(msgType, it)
		if err != nil {
			c.srv.log.Warn().Uint16("msg_type", msgType).Err(err).Msg("database response failed")
			return
		}
		if !handled {
			c.srv.log.Debug().Uint16("msg_type", msgType).Uint64("sender", sender).Msg("unhandled internal message")
		}
	}
}

func (c *Client) handleEnterLocation(it *wire.Iterator, hasOther bool) {
	doID, err := it.ReadUint32()
	if err != nil {
		return
	}
	if _, err := it.ReadUint32(); err != nil { // parent
		return
	}
	zoneID, err := it.ReadUint32()
	if err != nil {
		return
	}
	classNumber, err := it.ReadUint16()
	if err != nil {
		return
	}

	defer func() {
		if _, waiting := c.pending[doID]; waiting {
			delete(c.pending, doID)
			c.maybeInterestDone()
		}
	}()

	if _, own := c.owned[doID]; own {
		return
	}
	if _, have := c.seenZone[doID]; have {
		return
	}
	if _, interested := c.interestZones[zoneID]; !interested {
		return
	}
	// Avatars parked in the quiet zone stay invisible to other clients.
	if zoneID == zone.QuietZone && c.srv.catalog.IsAvatarClass(classNumber) {
		return
	}

	c.markSeen(doID, zoneID)
	msgType := proto.ClientCreateObjectRequired
	if hasOther {
		msgType = proto.ClientCreateObjectRequiredOther
	}
	dg := wire.ClientDatagram(msgType)
	dg.AddUint16(classNumber)
	dg.AddUint32(doID)
	dg.AddData(it.Remaining())
	c.sendToClient(dg)
}

func (c *Client) handleEnterOwner(it *wire.Iterator, hasOther bool) {
	doID, err := it.ReadUint32()
	if err != nil {
		return
	}
	if _, err := it.ReadUint32(); err != nil { // parent
		return
	}
	if _, err := it.ReadUint32(); err != nil { // zone
		return
	}
	classNumber, err := it.ReadUint16()
	if err != nil {
		return
	}
	c.owned[doID] = struct{}{}

	msgType := proto.ClientCreateObjectRequired
	if hasOther {
		msgType = proto.ClientCreateObjectRequiredOther
	}
	dg := wire.ClientDatagram(msgType)
	dg.AddUint16(classNumber)
	dg.AddUint32(doID)
	dg.AddData(it.Remaining())
	c.sendToClient(dg)
}

func (c *Client) handleChangingLocation(it *wire.Iterator) {
	doID, err := it.ReadUint32()
	if err != nil {
		return
	}
	if _, err := it.ReadUint32(); err != nil { // new parent
		return
	}
	newZone, err := it.ReadUint32()
	if err != nil {
		return
	}
	if _, own := c.owned[doID]; own {
		return
	}
	oldZone, have := c.seenZone[doID]
	if !have {
		return
	}
	if _, keep := c.interestZones[newZone]; keep {
		delete(c.seen[oldZone], doID)
		c.markSeen(doID, newZone)
		return
	}
	c.sendObjectDelete(doID)
}

func (c *Client) handleObjectGone(it *wire.Iterator) {
	doID, err := it.ReadUint32()
	if err != nil {
		return
	}
	if _, own := c.owned[doID]; own {
		return
	}
	z, have := c.seenZone[doID]
	if !have {
		return
	}
	if z == zone.QuietZone {
		delete(c.seen[z], doID)
		delete(c.seenZone, doID)
		return
	}
	c.sendObjectDelete(doID)
}

func (c *Client) handleInternalUpdateField(it *wire.Iterator) {
	doID, err := it.ReadUint32()
	if err != nil {
		return
	}
	fieldNumber, err := it.ReadUint16()
	if err != nil {
		return
	}
	_, seen := c.seenZone[doID]
	_, waiting := c.pending[doID]
	_, own := c.owned[doID]
	if !seen && !waiting && !own {
		return
	}
	dg := wire.ClientDatagram(proto.ClientObjectUpdateField)
	dg.AddUint32(doID)
	dg.AddUint16(fieldNumber)
	dg.AddData(it.Remaining())
	c.sendToClient(dg)
}

func (c *Client) handleLocationAck(it *wire.Iterator) {
	doID, err := it.ReadUint32()
	if err != nil {
		return
	}
	oldParent, err := it.ReadUint32()
	if err != nil {
		return
	}
	oldZone, err := it.ReadUint32()
	if err != nil {
		return
	}
	newParent, err := it.ReadUint32()
	if err != nil {
		return
	}
	newZone, err := it.ReadUint32()
	if err != nil {
		return
	}
	cb := c.locationCB
	c.locationCB = nil
	if cb == nil {
		c.srv.log.Debug().Uint32("do_id", doID).Msg("unexpected location ack")
		return
	}
	cb(doID, oldParent, oldZone, newParent, newZone)
}

func (c *Client) handleZonesObjectsResp(it *wire.Iterator) {
	if _, err := it.ReadUint32(); err != nil { // own doId
		return
	}
	count, err := it.ReadUint16()
	if err != nil {
		return
	}
	for i := 0; i < int(count); i++ {
		doID, err := it.ReadUint32()
		if err != nil {
			return
		}
		if _, have := c.seenZone[doID]; have {
			continue
		}
		if _, own := c.owned[doID]; own {
			continue
		}
		c.pending[doID] = struct{}{}
	}
	c.sendZoneReply(false)
	c.maybeInterestDone()
}

// handleShardListResp reframes the internal shard list for the client,
// truncating the 64-bit shard channels to their 32-bit district ids.
func (c *Client) handleShardListResp(it *wire.Iterator) {
	count, err := it.ReadUint16()
	if err != nil {
		return
	}
	dg := wire.ClientDatagram(proto.ClientGetShardListResp)
	dg.AddUint16(count)
	for i := 0; i < int(count); i++ {
		ch, err := it.ReadUint64()
		if err != nil {
			return
		}
		name, err := it.ReadString()
		if err != nil {
			return
		}
		pop, err := it.ReadUint32()
		if err != nil {
			return
		}
		dg.AddUint32(uint32(ch))
		dg.AddString(name)
		dg.AddUint32(pop)
	}
	c.sendToClient(dg)
}
