// Package ss implements the State Server: the authoritative in-memory
// registry of live distributed objects, their (parent, zone) location,
// field state, owners and AIs, and the visibility fan-out between them.
package ss

import (
	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

// StateObject is one live object. Previous-generation snapshots of the
// owner, AI, and location drive transition fan-out. Parent objects track
// their children per zone; that index is what location changes walk.
type StateObject struct {
	srv *Server

	doID  uint32
	class *dc.Class

	aiChannel    proto.Channel
	oldAIChannel proto.Channel

	ownerID    proto.Channel
	oldOwnerID proto.Channel

	parentID    uint32
	oldParentID uint32

	zoneID    uint32
	oldZoneID uint32

	hasOther bool
	required map[uint16][]byte
	other    map[uint16][]byte

	// zone -> child doIds, maintained on parent objects only.
	zoneChildren map[uint32][]uint32
}

func (o *StateObject) setAIChannel(ch proto.Channel) {
	o.oldAIChannel = o.aiChannel
	o.aiChannel = ch
}

func (o *StateObject) setOwnerID(ch proto.Channel) {
	o.oldOwnerID = o.ownerID
	o.ownerID = ch
}

func (o *StateObject) setParentID(id uint32) {
	o.oldParentID = o.parentID
	o.parentID = id
}

func (o *StateObject) setZoneID(id uint32) {
	o.oldZoneID = o.zoneID
	o.zoneID = id
}

// child index on parent objects

func (o *StateObject) zoneOfChild(doID uint32) (uint32, bool) {
	for zone, children := range o.zoneChildren {
		for _, id := range children {
			if id == doID {
				return zone, true
			}
		}
	}
	return 0, false
}

func (o *StateObject) addChild(doID, zoneID uint32) {
	o.zoneChildren[zoneID] = append(o.zoneChildren[zoneID], doID)
}

func (o *StateObject) removeChild(doID, zoneID uint32) {
	children := o.zoneChildren[zoneID]
	for i, id := range children {
		if id == doID {
			children = append(children[:i], children[i+1:]...)
			break
		}
	}
	if len(children) == 0 {
		delete(o.zoneChildren, zoneID)
	} else {
		o.zoneChildren[zoneID] = children
	}
}

// zoneObjects resolves the live children in one zone.
func (o *StateObject) zoneObjects(zoneID uint32) []*StateObject {
	var out []*StateObject
	for _, id := range o.zoneChildren[zoneID] {
		if child, ok := o.srv.objects[id]; ok {
			out = append(out, child)
		}
	}
	return out
}

// allZoneObjects resolves the live children across every zone.
func (o *StateObject) allZoneObjects() []*StateObject {
	var out []*StateObject
	for zone := range o.zoneChildren {
		out = append(out, o.zoneObjects(zone)...)
	}
	return out
}

func (o *StateObject) zonesObjects(zoneIDs []uint32) []*StateObject {
	var out []*StateObject
	for _, zone := range zoneIDs {
		out = append(out, o.zoneObjects(zone)...)
	}
	return out
}

// appendRequiredData appends the stored required tuples in field-number
// order. With broadcastOnly set, fields not flagged broadcast are skipped;
// owner and owned-AI entries carry everything.
func (o *StateObject) appendRequiredData(dg *wire.Datagram, broadcastOnly bool) {
	for _, f := range o.class.Fields() {
		if !f.Flags.Is(dc.Required) {
			continue
		}
		if broadcastOnly && !f.Flags.Is(dc.Broadcast) {
			continue
		}
		dg.AddData(o.required[f.Number])
	}
}

// appendOtherData appends the other-field block: count, then
// (fieldNumber, packed tuple) pairs.
func (o *StateObject) appendOtherData(dg *wire.Datagram) {
	dg.AddUint16(uint16(len(o.other)))
	for _, f := range o.class.Fields() {
		packed, ok := o.other[f.Number]
		if !ok {
			continue
		}
		dg.AddUint16(f.Number)
		dg.AddData(packed)
	}
}

func (o *StateObject) channel() proto.Channel { return uint64(o.doID) }

// outbound messages

func (o *StateObject) sendOwnerEntry(ch proto.Channel) {
	msgType := proto.StateServerObjectEnterOwnerWithRequired
	if o.hasOther {
		msgType = proto.StateServerObjectEnterOwnerWithRequiredOther
	}
	dg := wire.ServerDatagram(ch, o.channel(), msgType)
	dg.AddUint32(o.doID)
	dg.AddUint32(o.parentID)
	dg.AddUint32(o.zoneID)
	dg.AddUint16(o.class.Number)
	o.appendRequiredData(dg, false)
	if o.hasOther {
		o.appendOtherData(dg)
	}
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendChangingOwner(ch, oldOwner, newOwner proto.Channel) {
	dg := wire.ServerDatagram(ch, o.channel(), proto.StateServerObjectChangingOwner)
	dg.AddUint32(o.doID)
	dg.AddUint64(oldOwner)
	dg.AddUint64(newOwner)
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendAIEntry(ch proto.Channel) {
	msgType := proto.StateServerObjectEnterAIWithRequired
	if o.hasOther {
		msgType = proto.StateServerObjectEnterAIWithRequiredOther
	}
	dg := wire.ServerDatagram(ch, o.channel(), msgType)
	dg.AddUint32(o.doID)
	dg.AddUint32(o.parentID)
	dg.AddUint32(o.zoneID)
	dg.AddUint16(o.class.Number)
	o.appendRequiredData(dg, o.ownerID == 0)
	if o.hasOther {
		o.appendOtherData(dg)
	}
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendChangingAI(ch proto.Channel) {
	dg := wire.ServerDatagram(ch, o.channel(), proto.StateServerObjectChangingAI)
	dg.AddUint32(o.doID)
	dg.AddUint64(o.oldAIChannel)
	dg.AddUint64(o.aiChannel)
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendLocationEntry(ch proto.Channel) {
	msgType := proto.StateServerObjectEnterLocationWithRequired
	if o.hasOther {
		msgType = proto.StateServerObjectEnterLocationWithRequiredOther
	}
	dg := wire.ServerDatagram(ch, o.channel(), msgType)
	dg.AddUint32(o.doID)
	dg.AddUint32(o.parentID)
	dg.AddUint32(o.zoneID)
	dg.AddUint16(o.class.Number)
	o.appendRequiredData(dg, true)
	if o.hasOther {
		o.appendOtherData(dg)
	}
	o.srv.sendDatagram(dg)
}

// sendChangingLocation announces the object's current location to ch:
// (doId, newParent, newZone).
func (o *StateObject) sendChangingLocation(ch proto.Channel) {
	dg := wire.ServerDatagram(ch, o.channel(), proto.StateServerObjectChangingLocation)
	dg.AddUint32(o.doID)
	dg.AddUint32(o.parentID)
	dg.AddUint32(o.zoneID)
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendDeparture(ch proto.Channel) {
	dg := wire.ServerDatagram(ch, o.channel(), proto.StateServerObjectDeleteRAM)
	dg.AddUint32(o.doID)
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendLocationAck(ch proto.Channel) {
	dg := wire.ServerDatagram(ch, o.channel(), proto.StateServerObjectLocationAck)
	dg.AddUint32(o.doID)
	dg.AddUint32(o.oldParentID)
	dg.AddUint32(o.oldZoneID)
	dg.AddUint32(o.parentID)
	dg.AddUint32(o.zoneID)
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendUpdateField(ch, sender proto.Channel, fieldNumber uint16, packed []byte) {
	dg := wire.ServerDatagram(ch, sender, proto.StateServerObjectUpdateField)
	dg.AddUint32(o.doID)
	dg.AddUint16(fieldNumber)
	dg.AddData(packed)
	o.srv.sendDatagram(dg)
}

func (o *StateObject) sendSaveField(fieldNumber uint16, packed []byte) {
	dg := wire.ServerDatagram(proto.DatabaseChannel, o.channel(), proto.DBServerObjectSetField)
	dg.AddUint32(o.doID)
	dg.AddUint16(fieldNumber)
	dg.AddBlob(packed)
	o.srv.sendDatagram(dg)
}

// message handlers on the object's own channel

func (o *StateObject) handleDatagram(sender proto.Channel, msgType uint16, it *wire.Iterator) {
	var err error
	switch msgType {
	case proto.StateServerObjectSetOwner:
		err = o.handleSetOwner(it)
	case proto.StateServerObjectSetAI:
		err = o.handleSetAI(it)
	case proto.StateServerObjectSetZone:
		err = o.handleSetZone(it)
	case proto.StateServerObjectSetLocation:
		err = o.handleSetLocation(it)
	case proto.StateServerObjectChangingLocation:
		err = o.handleChangingLocationMsg(it)
	case proto.StateServerObjectGetZonesObjects:
		err = o.handleGetZonesObjects(it)
	case proto.StateServerObjectUpdateField:
		err = o.handleUpdateField(sender, it)
	case proto.StateServerObjectDeleteRAM:
		o.srv.removeObject(o)
	default:
		o.srv.log.Warn().Uint16("msg_type", msgType).Uint32("do_id", o.doID).Msg("unknown object message")
		return
	}
	if err != nil {
		o.srv.log.Warn().Uint16("msg_type", msgType).Uint32("do_id", o.doID).Err(err).Msg("dropping object message")
	}
}

func (o *StateObject) handleSetOwner(it *wire.Iterator) error {
	newOwner, err := it.ReadUint64()
	if err != nil {
		return err
	}
	if newOwner == o.ownerID {
		return nil
	}
	o.setOwnerID(newOwner)
	o.sendOwnerEntry(o.ownerID)
	if o.oldOwnerID != 0 {
		o.sendChangingOwner(o.oldOwnerID, o.oldOwnerID, o.ownerID)
	}
	return nil
}

func (o *StateObject) handleSetAI(it *wire.Iterator) error {
	newAI, err := it.ReadUint64()
	if err != nil {
		return err
	}
	if newAI == o.aiChannel {
		return nil
	}
	shard, ok := o.srv.shards[newAI]
	if !ok {
		o.srv.log.Warn().Uint64("ai_channel", newAI).Uint32("do_id", o.doID).Msg("no shard with that channel")
		return nil
	}
	o.setAIChannel(newAI)
	if o.ownerID != 0 {
		o.setParentID(shard.DistrictID)
	}
	o.sendAIEntry(o.aiChannel)
	if o.oldAIChannel != 0 {
		o.sendChangingAI(o.oldAIChannel)
	}
	o.srv.announceLocationChange(o)
	return nil
}

func (o *StateObject) handleSetZone(it *wire.Iterator) error {
	newZone, err := it.ReadUint32()
	if err != nil {
		return err
	}
	o.setZoneID(newZone)
	if o.aiChannel != 0 {
		o.sendChangingLocation(o.aiChannel)
	}
	o.srv.announceLocationChange(o)
	return nil
}

func (o *StateObject) handleSetLocation(it *wire.Iterator) error {
	newParent, err := it.ReadUint32()
	if err != nil {
		return err
	}
	newZone, err := it.ReadUint32()
	if err != nil {
		return err
	}
	if newParent == o.parentID && newZone == o.zoneID {
		return nil
	}
	o.setParentID(newParent)
	o.setZoneID(newZone)
	if o.aiChannel != 0 {
		o.sendChangingLocation(o.aiChannel)
	}
	o.srv.announceLocationChange(o)
	return nil
}

// handleChangingLocationMsg runs on a parent object: a child announced its
// new location under (or away from) this parent.
func (o *StateObject) handleChangingLocationMsg(it *wire.Iterator) error {
	childID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	newParent, err := it.ReadUint32()
	if err != nil {
		return err
	}
	newZone, err := it.ReadUint32()
	if err != nil {
		return err
	}
	o.handleChildLocation(childID, newParent, newZone)
	return nil
}

// handleChildLocation updates the child index and fans the transition out
// to the owners of every object under this parent: departures first,
// entries second, and the child's LOCATION_ACK strictly last.
func (o *StateObject) handleChildLocation(childID, newParent, newZone uint32) {
	child, ok := o.srv.objects[childID]
	if !ok {
		return
	}

	sendDeparture := false
	sendEntry := false
	if zone, has := o.zoneOfChild(childID); has {
		if newParent != o.doID {
			o.removeChild(childID, zone)
			sendDeparture = true
		} else if newZone != zone {
			o.removeChild(childID, zone)
			o.addChild(childID, newZone)
			sendDeparture = true
			sendEntry = true
		}
	} else if newParent == o.doID {
		o.addChild(childID, newZone)
		sendEntry = true
	}

	for _, observer := range o.allZoneObjects() {
		if observer.ownerID == 0 {
			continue
		}
		if sendDeparture {
			child.sendChangingLocation(observer.ownerID)
		}
		if sendEntry && observer.doID != childID {
			child.sendLocationEntry(observer.ownerID)
		}
	}

	if child.ownerID != 0 {
		child.sendLocationAck(child.ownerID)
	}
}

// handleGetZonesObjects reports the doIds the owner should expect for the
// given zones, then sends their location entries.
func (o *StateObject) handleGetZonesObjects(it *wire.Iterator) error {
	count, err := it.ReadUint16()
	if err != nil {
		return err
	}
	zones := make([]uint32, count)
	for i := range zones {
		if zones[i], err = it.ReadUint32(); err != nil {
			return err
		}
	}
	if o.ownerID == 0 {
		o.srv.log.Warn().Uint32("do_id", o.doID).Msg("get zones objects without an owner")
		return nil
	}
	parent, ok := o.srv.objects[o.parentID]
	if !ok {
		o.srv.log.Warn().Uint32("do_id", o.doID).Uint32("parent", o.parentID).Msg("get zones objects without a parent")
		return nil
	}

	var visible []*StateObject
	for _, obj := range parent.zonesObjects(zones) {
		if obj.doID == o.doID || obj.ownerID == o.ownerID {
			continue
		}
		visible = append(visible, obj)
	}

	dg := wire.ServerDatagram(o.ownerID, o.channel(), proto.StateServerObjectGetZonesObjectsResp)
	dg.AddUint32(o.doID)
	dg.AddUint16(uint16(len(visible)))
	for _, obj := range visible {
		dg.AddUint32(obj.doID)
	}
	o.srv.sendDatagram(dg)

	for _, obj := range visible {
		obj.sendLocationEntry(o.ownerID)
	}
	return nil
}

// handleUpdateField applies §field policy: resolve, unpack once, gate by
// sender kind, echo, fan out, store, persist.
func (o *StateObject) handleUpdateField(sender proto.Channel, it *wire.Iterator) error {
	fieldNumber, err := it.ReadUint16()
	if err != nil {
		return err
	}
	field, ok := o.class.Field(fieldNumber)
	if !ok {
		o.srv.log.Warn().Uint16("field", fieldNumber).Str("class", o.class.Name).Msg("unknown field")
		return nil
	}

	// A zero-length tail is a no-argument signaling update.
	var packed []byte
	if it.RemainingLen() > 0 {
		probe := wire.NewIterator(it.Remaining())
		raw, err := field.ReadArgs(probe)
		if err != nil || probe.RemainingLen() != 0 {
			o.srv.log.Warn().Str("field", field.Name).Str("class", o.class.Name).Msg("field arguments do not unpack")
			return nil
		}
		packed = raw
	}

	if _, fromShard := o.srv.shards[sender]; !fromShard {
		return o.handleClientUpdate(sender, field, packed)
	}
	return o.handleAIUpdate(field, packed)
}

func (o *StateObject) handleClientUpdate(sender proto.Channel, field *dc.Field, packed []byte) error {
	avatarID := proto.AvatarID(sender)
	if avatarID == 0 {
		o.srv.log.Warn().Str("field", field.Name).Uint64("sender", sender).Msg("field update from unknown avatar")
		return nil
	}

	if field.Flags.Is(dc.OwnSend) {
		if sender != o.ownerID {
			o.srv.log.Warn().Str("field", field.Name).Str("class", o.class.Name).Msg("ownsend field from non-owner")
			return nil
		}
	} else if !field.Flags.Is(dc.ClSend) {
		o.srv.log.Warn().Str("field", field.Name).Str("class", o.class.Name).Msg("field not sendable by clients")
		return nil
	}

	if o.aiChannel != 0 {
		o.sendUpdateField(o.aiChannel, sender, field.Number, packed)
	}
	if field.Flags.Is(dc.Broadcast) {
		o.srv.broadcastField(o, sender, field.Number, packed, avatarID)
	}
	if packed != nil && field.Flags.Is(dc.Ram) {
		if !o.hasOther {
			return nil
		}
		o.storeField(field, packed)
	}
	return nil
}

func (o *StateObject) handleAIUpdate(field *dc.Field, packed []byte) error {
	if o.ownerID != 0 {
		o.sendUpdateField(o.ownerID, o.aiChannel, field.Number, packed)
	}
	if field.Flags.Is(dc.Broadcast) {
		o.srv.broadcastField(o, o.aiChannel, field.Number, packed, o.doID)
	}
	if packed != nil {
		if field.Flags.Is(dc.Ram) {
			o.storeField(field, packed)
			o.hasOther = true
		}
		if field.Flags.Is(dc.Db) {
			o.sendSaveField(field.Number, packed)
		}
	}
	return nil
}

func (o *StateObject) storeField(field *dc.Field, packed []byte) {
	if field.Flags.Is(dc.Required) {
		o.required[field.Number] = packed
	} else {
		o.other[field.Number] = packed
	}
}

// destroy clears state and fires the departure fan-out through the old
// parent.
func (o *StateObject) destroy() {
	o.setOwnerID(0)
	o.setParentID(0)
	o.setZoneID(0)

	if o.aiChannel != 0 {
		o.sendDeparture(o.aiChannel)
	}
	if parent, ok := o.srv.objects[o.oldParentID]; ok {
		parent.handleChildLocation(o.doID, o.parentID, o.zoneID)
	}

	o.required = make(map[uint16][]byte)
	o.other = make(map[uint16][]byte)
	o.zoneChildren = make(map[uint32][]uint32)
}
