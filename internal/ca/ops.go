package ca

import (
	"time"

	"github.com/toonlabs/otpd/internal/db"
	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
	"github.com/toonlabs/otpd/internal/zone"
)

var processStart = time.Now()

const avatarSlots = 6

// loadAccount resolves the token: known tokens are validated against the
// database, fresh tokens create an Account record first.
func (c *Client) loadAccount(token string) {
	if !c.beginOp("login") {
		return
	}
	if accountID, known := c.srv.accounts.Lookup(token); known {
		c.srv.db.QueryObject(c.allocated, accountID, func(r db.QueryResult) {
			c.endOp()
			if c.closed {
				return
			}
			if !r.OK {
				c.srv.log.Error().Uint32("account", accountID).Msg("stored account missing from database")
				c.srv.dropClient(c)
				return
			}
			c.finishLogin(token, accountID)
		})
		return
	}

	class, ok := c.srv.catalog.ClassByName("Account")
	if !ok {
		c.endOp()
		c.srv.log.Error().Msg("catalog has no Account class")
		c.srv.dropClient(c)
		return
	}
	fields := make(map[uint16][]byte)
	if created, ok := class.FieldByName("CREATED"); ok {
		if packed, err := created.Pack(time.Now().UTC().Format(time.RFC1123)); err == nil {
			fields[created.Number] = packed
		}
	}
	c.srv.db.CreateObject(c.allocated, class, fields, func(accountID uint32) {
		c.endOp()
		if c.closed {
			return
		}
		if accountID == 0 {
			c.srv.log.Error().Msg("account creation failed")
			c.srv.dropClient(c)
			return
		}
		if err := c.srv.accounts.Put(token, accountID); err != nil {
			c.srv.log.Error().Err(err).Msg("account store write failed")
		}
		c.finishLogin(token, accountID)
	})
}

func (c *Client) finishLogin(token string, accountID uint32) {
	c.authenticated = true
	c.accountID = accountID
	c.srv.bindChannel(c, proto.AccountChannel(accountID))
	c.setChannel(proto.SenderChannel(accountID, 0))

	if class, ok := c.srv.catalog.ClassByName("Account"); ok {
		if last, ok := class.FieldByName("LAST_LOGIN"); ok {
			if packed, err := last.Pack(time.Now().UTC().Format(time.RFC1123)); err == nil {
				c.srv.db.UpdateField(c.channel, accountID, last.Number, packed)
			}
		}
	}

	resp := wire.ClientDatagram(proto.ClientLogin2Resp)
	resp.AddUint8(0)
	resp.AddString("All Ok")
	resp.AddString(token)
	resp.AddUint8(1)
	resp.AddUint32(uint32(time.Now().Unix()))
	resp.AddUint32(uint32(time.Since(processStart).Seconds()))
	resp.AddUint8(1)
	resp.AddInt32(3600000)
	c.sendToClient(resp)
	c.srv.log.Info().Uint32("account", accountID).Msg("client logged in")
}

// account record helpers

func accountAvSet(r db.QueryResult) []uint32 {
	vals, ok := r.Value("ACCOUNT_AV_SET")
	if !ok || len(vals) != 1 {
		return make([]uint32, avatarSlots)
	}
	slots, ok := vals[0].([]uint32)
	if !ok {
		return make([]uint32, avatarSlots)
	}
	return slots
}

func stringField(r db.QueryResult, name string) string {
	if vals, ok := r.Value(name); ok && len(vals) == 1 {
		if s, ok := vals[0].(string); ok {
			return s
		}
	}
	return ""
}

func uintField(r db.QueryResult, name string) uint64 {
	vals, ok := r.Value(name)
	if !ok || len(vals) != 1 {
		return 0
	}
	switch v := vals[0].(type) {
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

// queryAvatars fetches several avatar records and fires done once all have
// answered. Runs entirely on the event loop.
func (c *Client) queryAvatars(ids []uint32, done func(map[uint32]db.QueryResult)) {
	results := make(map[uint32]db.QueryResult, len(ids))
	if len(ids) == 0 {
		done(results)
		return
	}
	remaining := len(ids)
	for _, id := range ids {
		id := id
		c.srv.db.QueryObject(c.allocated, id, func(r db.QueryResult) {
			if r.OK {
				results[id] = r
			}
			remaining--
			if remaining == 0 {
				done(results)
			}
		})
	}
}

func nonzero(slots []uint32) []uint32 {
	out := make([]uint32, 0, len(slots))
	for _, id := range slots {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// getAvatars answers CLIENT_GET_AVATARS with every avatar on the account.
func (c *Client) getAvatars() {
	if !c.beginOp("get-avatars") {
		return
	}
	c.srv.db.QueryObject(c.allocated, c.accountID, func(r db.QueryResult) {
		if c.closed {
			return
		}
		if !r.OK {
			c.endOp()
			c.srv.log.Warn().Uint32("account", c.accountID).Msg("account query failed")
			return
		}
		slots := accountAvSet(r)
		c.queryAvatars(nonzero(slots), func(avatars map[uint32]db.QueryResult) {
			c.endOp()
			if c.closed {
				return
			}
			c.sendAvatarList(proto.ClientGetAvatarsResp, slots, avatars)
		})
	})
}

// sendAvatarList emits the shared avatar-roster shape used by the avatar
// list and delete responses.
func (c *Client) sendAvatarList(msgType uint16, slots []uint32, avatars map[uint32]db.QueryResult) {
	count := 0
	for _, id := range slots {
		if _, ok := avatars[id]; id != 0 && ok {
			count++
		}
	}
	dg := wire.ClientDatagram(msgType)
	dg.AddUint8(0)
	dg.AddUint16(uint16(count))
	for pos, id := range slots {
		r, ok := avatars[id]
		if id == 0 || !ok {
			continue
		}
		dg.AddUint32(id)
		dg.AddString(stringField(r, "setName"))
		dg.AddString("")
		dg.AddString("")
		dg.AddString("")
		dg.AddString(stringField(r, "setDNAString"))
		dg.AddUint8(uint8(pos))
		dg.AddUint8(uint8(uintField(r, "setNameIndex")))
	}
	c.sendToClient(dg)
}

// getAvatarDetails answers with the avatar's required fields in declaration
// order.
func (c *Client) getAvatarDetails(avatarID uint32) {
	if !c.beginOp("avatar-details") {
		return
	}
	c.srv.db.QueryObject(c.allocated, avatarID, func(r db.QueryResult) {
		c.endOp()
		if c.closed {
			return
		}
		if !r.OK {
			c.srv.log.Warn().Uint32("avatar", avatarID).Msg("avatar details query failed")
			return
		}
		dg := wire.ClientDatagram(proto.ClientGetAvatarDetailsResp)
		dg.AddUint32(avatarID)
		dg.AddUint8(0)
		for _, f := range r.Class.RequiredFields() {
			packed, ok := requiredPacked(r, f)
			if !ok {
				c.srv.log.Warn().Uint32("avatar", avatarID).Str("field", f.Name).Msg("avatar record incomplete")
				return
			}
			dg.AddData(packed)
		}
		c.sendToClient(dg)
	})
}

// requiredPacked resolves a required field from the record, falling back to
// the declared default.
func requiredPacked(r db.QueryResult, f *dc.Field) ([]byte, bool) {
	if packed, ok := r.Fields[f.Number]; ok {
		return packed, true
	}
	if f.DefaultValue != nil {
		if packed, err := f.Encode(f.DefaultValue); err == nil {
			return packed, true
		}
	}
	return nil, false
}

// createAvatar allocates a toon in a free account slot.
func (c *Client) createAvatar(echo uint16, dna string, index uint8) {
	if !c.beginOp("create-avatar") {
		return
	}
	if index >= avatarSlots {
		c.endOp()
		c.srv.log.Warn().Uint8("slot", index).Msg("avatar slot out of range")
		return
	}
	toon, ok := c.srv.catalog.ClassByName("DistributedToon")
	if !ok {
		c.endOp()
		c.srv.log.Error().Msg("catalog has no DistributedToon class")
		return
	}
	fields := make(map[uint16][]byte)
	if f, ok := toon.FieldByName("setDNAString"); ok {
		if packed, err := f.Pack(dna); err == nil {
			fields[f.Number] = packed
		}
	}
	if f, ok := toon.FieldByName("setPosIndex"); ok {
		if packed, err := f.Pack(index); err == nil {
			fields[f.Number] = packed
		}
	}

	c.srv.db.QueryObject(c.allocated, c.accountID, func(r db.QueryResult) {
		if c.closed {
			return
		}
		if !r.OK {
			c.endOp()
			c.srv.log.Warn().Uint32("account", c.accountID).Msg("account query failed")
			return
		}
		slots := accountAvSet(r)
		if int(index) >= len(slots) || slots[index] != 0 {
			c.endOp()
			c.srv.log.Warn().Uint8("slot", index).Msg("avatar slot occupied")
			return
		}
		c.srv.db.CreateObject(c.allocated, toon, fields, func(avatarID uint32) {
			c.endOp()
			if c.closed {
				return
			}
			if avatarID == 0 {
				c.srv.log.Error().Msg("avatar creation failed")
				return
			}
			slots[index] = avatarID
			if avSet, ok := r.Class.FieldByName("ACCOUNT_AV_SET"); ok {
				if packed, err := avSet.Encode([]any{slots}); err == nil {
					c.srv.db.UpdateField(c.channel, c.accountID, avSet.Number, packed)
				}
			}
			resp := wire.ClientDatagram(proto.ClientCreateAvatarResp)
			resp.AddUint16(echo)
			resp.AddUint8(0)
			resp.AddUint32(avatarID)
			c.sendToClient(resp)
			c.srv.log.Info().Uint32("account", c.accountID).Uint32("avatar", avatarID).Msg("avatar created")
		})
	})
}

// setAvatar activates an avatar: the record is pulled from the database, the
// live object is generated on the State Server, and ownership is granted
// after a short settle delay.
func (c *Client) setAvatar(avatarID uint32) {
	if avatarID == 0 {
		c.clearAvatar()
		return
	}
	if !c.beginOp("load-avatar") {
		return
	}
	c.srv.db.QueryObject(c.allocated, c.accountID, func(acct db.QueryResult) {
		if c.closed {
			return
		}
		if !acct.OK {
			c.endOp()
			c.srv.log.Warn().Uint32("account", c.accountID).Msg("account query failed")
			return
		}
		owns := false
		for _, id := range accountAvSet(acct) {
			if id == avatarID {
				owns = true
				break
			}
		}
		if !owns {
			c.endOp()
			c.srv.log.Warn().Uint32("account", c.accountID).Uint32("avatar", avatarID).Msg("avatar not on account")
			return
		}
		c.srv.db.QueryObject(c.allocated, avatarID, func(r db.QueryResult) {
			c.endOp()
			if c.closed {
				return
			}
			if !r.OK {
				c.srv.log.Warn().Uint32("avatar", avatarID).Msg("avatar query failed")
				return
			}
			c.activateAvatar(avatarID, r)
		})
	})
}

func (c *Client) activateAvatar(avatarID uint32, r db.QueryResult) {
	c.avatarID = avatarID

	// If this connection dies, the State Server object must go with it.
	cleanup := wire.ServerDatagram(uint64(avatarID), proto.PuppetChannel(avatarID), proto.StateServerObjectDeleteRAM)
	cleanup.AddUint32(avatarID)
	if err := c.srv.send.AddPostRemove(c.allocated, cleanup); err != nil {
		c.srv.log.Warn().Err(err).Msg("post remove registration failed")
	}

	c.srv.bindChannel(c, proto.PuppetChannel(avatarID))
	c.setChannel(proto.SenderChannel(c.accountID, avatarID))

	gen := wire.ServerDatagram(proto.StateServerChannel, c.channel, proto.StateServerObjectGenerateWithRequiredOther)
	gen.AddUint32(avatarID)
	gen.AddUint32(0) // parent until SET_SHARD
	gen.AddUint32(0)
	gen.AddUint16(r.Class.Number)
	for _, f := range r.Class.RequiredFields() {
		packed, ok := requiredPacked(r, f)
		if !ok {
			c.srv.log.Error().Uint32("avatar", avatarID).Str("field", f.Name).Msg("avatar record incomplete")
			return
		}
		gen.AddData(packed)
	}
	var other []*dc.Field
	for _, f := range r.Class.Fields() {
		if f.Flags.Is(dc.Required) || !f.Flags.Is(dc.Ram) {
			continue
		}
		if _, ok := r.Fields[f.Number]; ok {
			other = append(other, f)
		}
	}
	gen.AddUint16(uint16(len(other)))
	for _, f := range other {
		gen.AddUint16(f.Number)
		gen.AddData(r.Fields[f.Number])
	}
	c.sendBus(gen)

	owner := c.channel
	c.srv.after(c.srv.cfg.OwnerGrantDelay, func() {
		if c.closed || c.avatarID != avatarID {
			return
		}
		dg := wire.ServerDatagram(uint64(avatarID), owner, proto.StateServerObjectSetOwner)
		dg.AddUint64(owner)
		c.sendBus(dg)
	})
	c.srv.log.Info().Uint32("account", c.accountID).Uint32("avatar", avatarID).Msg("avatar activated")
}

// clearAvatar logs the active avatar out without dropping the connection.
func (c *Client) clearAvatar() {
	if c.avatarID == 0 {
		return
	}
	avatarID := c.avatarID
	dg := wire.ServerDatagram(uint64(avatarID), c.channel, proto.StateServerObjectDeleteRAM)
	dg.AddUint32(avatarID)
	c.sendBus(dg)
	if err := c.srv.send.ClearPostRemove(c.allocated); err != nil {
		c.srv.log.Warn().Err(err).Msg("post remove clear failed")
	}
	c.srv.unbindChannel(c, proto.PuppetChannel(avatarID))
	c.setChannel(proto.SenderChannel(c.accountID, 0))
	c.avatarID = 0
	c.interestZones = map[uint32]struct{}{zone.QuietZone: {}}
	c.seen = make(map[uint32]map[uint32]struct{})
	c.seenZone = make(map[uint32]uint32)
	c.owned = make(map[uint32]struct{})
	c.pending = make(map[uint32]struct{})
	c.zoneReply = nil
}

// deleteAvatar blanks the slot with a compare-and-set so concurrent sessions
// cannot clobber each other's rosters.
func (c *Client) deleteAvatar(avatarID uint32) {
	if !c.beginOp("delete-avatar") {
		return
	}
	c.srv.db.QueryObject(c.allocated, c.accountID, func(r db.QueryResult) {
		if c.closed {
			return
		}
		if !r.OK {
			c.endOp()
			c.srv.log.Warn().Uint32("account", c.accountID).Msg("account query failed")
			return
		}
		slots := accountAvSet(r)
		slot := -1
		for i, id := range slots {
			if id == avatarID {
				slot = i
				break
			}
		}
		avSet, ok := r.Class.FieldByName("ACCOUNT_AV_SET")
		oldPacked, havePacked := r.Packed("ACCOUNT_AV_SET")
		if slot < 0 || !ok || !havePacked {
			c.endOp()
			c.srv.log.Warn().Uint32("avatar", avatarID).Msg("avatar not on account")
			return
		}
		updated := append([]uint32(nil), slots...)
		updated[slot] = 0
		newPacked, err := avSet.Encode([]any{updated})
		if err != nil {
			c.endOp()
			c.srv.log.Error().Err(err).Msg("avatar set encode failed")
			return
		}
		c.srv.db.UpdateFieldIfEquals(c.allocated, c.accountID, avSet.Number, oldPacked, newPacked, func(ok bool, failing map[uint16][]byte) {
			if c.closed {
				return
			}
			if !ok {
				c.endOp()
				c.srv.log.Warn().Uint32("account", c.accountID).Msg("avatar delete lost a concurrent update")
				return
			}
			c.queryAvatars(nonzero(updated), func(avatars map[uint32]db.QueryResult) {
				c.endOp()
				if c.closed {
					return
				}
				c.sendAvatarList(proto.ClientDeleteAvatarResp, updated, avatars)
				c.srv.log.Info().Uint32("account", c.accountID).Uint32("avatar", avatarID).Msg("avatar deleted")
			})
		})
	})
}

// setWishname stores the requested name directly.
func (c *Client) setWishname(avatarID uint32, name string) {
	if !c.beginOp("set-wishname") {
		return
	}
	c.srv.db.QueryObject(c.allocated, avatarID, func(r db.QueryResult) {
		c.endOp()
		if c.closed {
			return
		}
		if !r.OK {
			c.srv.log.Warn().Uint32("avatar", avatarID).Msg("wishname for unknown avatar")
			return
		}
		if f, ok := r.Class.FieldByName("setName"); ok {
			if packed, err := f.Pack(name); err == nil {
				c.srv.db.UpdateField(c.channel, avatarID, f.Number, packed)
			}
		}
		resp := wire.ClientDatagram(proto.ClientSetWishnameResp)
		resp.AddUint32(avatarID)
		resp.AddUint16(0)
		resp.AddString("")
		resp.AddString(name)
		resp.AddString("")
		c.sendToClient(resp)
	})
}

// setNamePattern composes a name from the pattern dictionary and stores it.
func (c *Client) setNamePattern(avatarID uint32, indices, flags [4]uint16) {
	name, err := ComposePatternName(indices, flags)
	if err != nil {
		c.srv.log.Warn().Err(err).Uint32("avatar", avatarID).Msg("bad name pattern")
		resp := wire.ClientDatagram(proto.ClientSetNamePatternResp)
		resp.AddUint32(avatarID)
		resp.AddUint8(1)
		c.sendToClient(resp)
		return
	}
	if !c.beginOp("set-name-pattern") {
		return
	}
	c.srv.db.QueryObject(c.allocated, avatarID, func(r db.QueryResult) {
		c.endOp()
		if c.closed {
			return
		}
		if !r.OK {
			c.srv.log.Warn().Uint32("avatar", avatarID).Msg("name pattern for unknown avatar")
			return
		}
		if f, ok := r.Class.FieldByName("setName"); ok {
			if packed, err := f.Pack(name); err == nil {
				c.srv.db.UpdateField(c.channel, avatarID, f.Number, packed)
			}
		}
		resp := wire.ClientDatagram(proto.ClientSetNamePatternResp)
		resp.AddUint32(avatarID)
		resp.AddUint8(0)
		c.sendToClient(resp)
	})
}

// getFriendsList answers with the avatar's friends and exchanges presence:
// online friends hear we arrived now and, via post-remove, that we left.
func (c *Client) getFriendsList() {
	if !c.beginOp("friends") {
		return
	}
	if c.avatarID == 0 {
		c.endOp()
		c.srv.log.Warn().Uint32("account", c.accountID).Msg("friends list without an active avatar")
		return
	}
	avatarID := c.avatarID
	c.srv.db.QueryObject(c.allocated, avatarID, func(r db.QueryResult) {
		if c.closed {
			return
		}
		if !r.OK {
			c.endOp()
			c.srv.log.Warn().Uint32("avatar", avatarID).Msg("avatar query failed")
			return
		}
		var ids []uint32
		if vals, ok := r.Value("setFriendsList"); ok && len(vals) == 1 {
			if pairs, ok := vals[0].([][2]uint64); ok {
				for _, p := range pairs {
					ids = append(ids, uint32(p[0]))
				}
			}
		}
		c.queryAvatars(ids, func(friends map[uint32]db.QueryResult) {
			c.endOp()
			if c.closed {
				return
			}
			count := 0
			for _, id := range ids {
				if _, ok := friends[id]; ok {
					count++
				}
			}
			resp := wire.ClientDatagram(proto.ClientGetFriendListResp)
			resp.AddUint8(0)
			resp.AddUint16(uint16(count))
			for _, id := range ids {
				fr, ok := friends[id]
				if !ok {
					continue
				}
				resp.AddUint32(id)
				resp.AddString(stringField(fr, "setName"))
				resp.AddString(stringField(fr, "setDNAString"))
			}
			c.sendToClient(resp)

			for _, id := range ids {
				_, online := c.srv.clients[proto.PuppetChannel(id)]
				note := proto.ClientFriendOffline
				if online {
					note = proto.ClientFriendOnline
				}
				dg := wire.ClientDatagram(note)
				dg.AddUint32(id)
				c.sendToClient(dg)

				if online {
					hello := wire.ServerDatagram(proto.PuppetChannel(id), proto.PuppetChannel(avatarID), proto.ClientAgentFriendOnline)
					hello.AddUint32(avatarID)
					c.sendBus(hello)

					goodbye := wire.ServerDatagram(proto.PuppetChannel(id), proto.PuppetChannel(avatarID), proto.ClientAgentFriendOffline)
					goodbye.AddUint32(avatarID)
					if err := c.srv.send.AddPostRemove(c.allocated, goodbye); err != nil {
						c.srv.log.Warn().Err(err).Msg("post remove registration failed")
					}
				}
			}
		})
	})
}
