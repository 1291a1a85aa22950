package ss

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

// busFake is a miniature message director: datagrams addressed to a channel
// the server subscribed loop straight back into the server, everything is
// recorded for assertions.
type busFake struct {
	srv  *Server
	subs map[proto.Channel]bool
	sent []*wire.Datagram
}

func (b *busFake) Send(dg *wire.Datagram) error {
	b.sent = append(b.sent, dg)
	it := wire.NewIterator(dg.Bytes())
	it.Skip(1)
	dst, err := it.ReadUint64()
	if err != nil {
		return err
	}
	if b.subs[dst] {
		b.srv.handleDatagram(dg.Bytes())
	}
	return nil
}

func (b *busFake) Subscribe(ch proto.Channel) error   { b.subs[ch] = true; return nil }
func (b *busFake) Unsubscribe(ch proto.Channel) error { delete(b.subs, ch); return nil }
func (b *busFake) AddPostRemove(proto.Channel, *wire.Datagram) error { return nil }
func (b *busFake) ClearPostRemove(proto.Channel) error               { return nil }

type sentMsg struct {
	dst     proto.Channel
	sender  proto.Channel
	msgType uint16
	it      *wire.Iterator
}

// messagesTo parses everything sent to dst, optionally filtered by type.
func (b *busFake) messagesTo(t *testing.T, dst proto.Channel, msgTypes ...uint16) []sentMsg {
	t.Helper()
	var out []sentMsg
	for _, dg := range b.sent {
		it := wire.NewIterator(dg.Bytes())
		require.NoError(t, it.Skip(1))
		d, err := it.ReadUint64()
		require.NoError(t, err)
		if d != dst {
			continue
		}
		src, err := it.ReadUint64()
		require.NoError(t, err)
		mt, err := it.ReadUint16()
		require.NoError(t, err)
		if len(msgTypes) > 0 {
			match := false
			for _, want := range msgTypes {
				if mt == want {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, sentMsg{dst: d, sender: src, msgType: mt, it: it})
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *busFake) {
	t.Helper()
	catalog, err := dc.NewToonFile()
	require.NoError(t, err)
	s := New(Config{Channel: proto.StateServerChannel}, catalog, zerolog.Nop(), nil)
	bus := &busFake{srv: s, subs: map[proto.Channel]bool{proto.StateServerChannel: true}}
	s.send = bus
	return s, bus
}

const (
	aiChannel  = proto.Channel(9000)
	districtID = uint32(1)
)

func deliver(s *Server, dg *wire.Datagram) {
	s.handleDatagram(dg.Bytes())
}

func addShard(t *testing.T, s *Server, ai proto.Channel, district uint32, name string) {
	t.Helper()
	dg := wire.ServerDatagram(proto.StateServerChannel, ai, proto.StateServerAddShard)
	dg.AddUint32(district)
	dg.AddString(name)
	dg.AddUint32(0)
	deliver(s, dg)
	require.Contains(t, s.shards, ai)
}

func generateDistrict(t *testing.T, s *Server) {
	t.Helper()
	class, ok := s.catalog.ClassByName("DistributedDistrict")
	require.True(t, ok)
	name, _ := class.FieldByName("setName")
	avail, _ := class.FieldByName("setAvailable")
	namePacked, err := name.Pack("Toontown Central")
	require.NoError(t, err)
	availPacked, err := avail.Pack(uint8(1))
	require.NoError(t, err)

	dg := wire.ServerDatagram(proto.StateServerChannel, aiChannel, proto.StateServerObjectGenerateWithRequired)
	dg.AddUint32(districtID)
	dg.AddUint32(0)
	dg.AddUint32(0)
	dg.AddUint16(class.Number)
	dg.AddData(namePacked)
	dg.AddData(availPacked)
	deliver(s, dg)
	require.Contains(t, s.objects, districtID)
}

// generateAvatar creates an owned-style avatar with an other block holding
// setAnimState.
func generateAvatar(t *testing.T, s *Server, sender proto.Channel, doID, parent, zone uint32) {
	t.Helper()
	class, ok := s.catalog.ClassByName("DistributedToon")
	require.True(t, ok)
	pack := func(name string, vals ...any) []byte {
		f, ok := class.FieldByName(name)
		require.True(t, ok)
		packed, err := f.Pack(vals...)
		require.NoError(t, err)
		return packed
	}
	anim, _ := class.FieldByName("setAnimState")

	dg := wire.ServerDatagram(proto.StateServerChannel, sender, proto.StateServerObjectGenerateWithRequiredOther)
	dg.AddUint32(doID)
	dg.AddUint32(parent)
	dg.AddUint32(zone)
	dg.AddUint16(class.Number)
	dg.AddData(pack("setName", "Toon"))
	dg.AddData(pack("setDNAString", "dna"))
	dg.AddData(pack("setMaxHp", uint16(15)))
	dg.AddData(pack("setHp", uint16(15)))
	dg.AddUint16(1)
	dg.AddUint16(anim.Number)
	dg.AddData(pack("setAnimState", "neutral"))
	deliver(s, dg)
	require.Contains(t, s.objects, doID)
}

func setOwner(s *Server, doID uint32, owner proto.Channel) {
	dg := wire.ServerDatagram(uint64(doID), owner, proto.StateServerObjectSetOwner)
	dg.AddUint64(owner)
	deliver(s, dg)
}

func setAI(s *Server, doID uint32, ai proto.Channel) {
	dg := wire.ServerDatagram(uint64(doID), ai, proto.StateServerObjectSetAI)
	dg.AddUint64(ai)
	deliver(s, dg)
}

func TestGenerateStoresRequired(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)
	generateAvatar(t, s, aiChannel, 500, districtID, 2000)

	obj := s.objects[500]
	class, _ := s.catalog.ClassByName("DistributedToon")
	for _, f := range class.RequiredFields() {
		assert.Contains(t, obj.required, f.Number, "required field %q", f.Name)
	}
	assert.Len(t, obj.required, len(class.RequiredFields()))
	assert.True(t, obj.hasOther)
	anim, _ := class.FieldByName("setAnimState")
	assert.Contains(t, obj.other, anim.Number)

	// The object subscribes its own doId as a channel.
	assert.True(t, bus.subs[uint64(500)])
	// AI-originated generate binds the shard as the object's AI.
	assert.Equal(t, aiChannel, obj.aiChannel)
}

func TestGenerateDuplicateIgnored(t *testing.T) {
	s, _ := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)
	generateAvatar(t, s, aiChannel, 500, districtID, 2000)

	before := s.objects[500]
	generateAvatar(t, s, aiChannel, 500, districtID, 2100)
	assert.Same(t, before, s.objects[500])
	assert.Equal(t, uint32(2000), s.objects[500].zoneID)
}

func TestGenerateUnknownClassDropped(t *testing.T) {
	s, _ := newTestServer(t)
	dg := wire.ServerDatagram(proto.StateServerChannel, aiChannel, proto.StateServerObjectGenerateWithRequired)
	dg.AddUint32(700)
	dg.AddUint32(0)
	dg.AddUint32(0)
	dg.AddUint16(999)
	deliver(s, dg)
	assert.NotContains(t, s.objects, uint32(700))
}

func TestSetOwnerSendsFullEntry(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)
	generateAvatar(t, s, aiChannel, 500, districtID, 2000)

	owner := proto.SenderChannel(7, 500)
	setOwner(s, 500, owner)

	entries := bus.messagesTo(t, owner, proto.StateServerObjectEnterOwnerWithRequiredOther)
	require.Len(t, entries, 1)
	e := entries[0]

	doID, _ := e.it.ReadUint32()
	parent, _ := e.it.ReadUint32()
	zone, _ := e.it.ReadUint32()
	classNumber, _ := e.it.ReadUint16()
	assert.Equal(t, uint32(500), doID)
	assert.Equal(t, districtID, parent)
	assert.Equal(t, uint32(2000), zone)

	// Owner entries carry every required field, broadcast or not.
	class, _ := s.catalog.Class(classNumber)
	for _, f := range class.RequiredFields() {
		_, err := f.ReadArgs(e.it)
		require.NoError(t, err, "field %q", f.Name)
	}
	count, err := e.it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)
}

func TestOwnerReplacementNotifiesOldOwner(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)
	generateAvatar(t, s, aiChannel, 500, districtID, 2000)

	first := proto.SenderChannel(7, 500)
	second := proto.SenderChannel(8, 500)
	setOwner(s, 500, first)
	setOwner(s, 500, second)

	changing := bus.messagesTo(t, first, proto.StateServerObjectChangingOwner)
	require.Len(t, changing, 1)
	entries := bus.messagesTo(t, second, proto.StateServerObjectEnterOwnerWithRequiredOther)
	assert.Len(t, entries, 1)
}

func TestTwoPlayersSamePlaygroundZone(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	ownerA := proto.SenderChannel(1, 500)
	ownerB := proto.SenderChannel(2, 501)

	generateAvatar(t, s, ownerA, 500, districtID, 2000)
	setOwner(s, 500, ownerA)

	// B arrives after A: A hears B's entry through the parent fan-out.
	generateAvatar(t, s, ownerB, 501, districtID, 2000)
	setOwner(s, 501, ownerB)

	entriesToA := bus.messagesTo(t, ownerA,
		proto.StateServerObjectEnterLocationWithRequired,
		proto.StateServerObjectEnterLocationWithRequiredOther)
	require.Len(t, entriesToA, 1)
	doID, _ := entriesToA[0].it.ReadUint32()
	assert.Equal(t, uint32(501), doID)

	// B asks for the zone inventory and hears about A, not about itself.
	dg := wire.ServerDatagram(uint64(501), ownerB, proto.StateServerObjectGetZonesObjects)
	dg.AddUint16(2)
	dg.AddUint32(2000)
	dg.AddUint32(1)
	deliver(s, dg)

	resps := bus.messagesTo(t, ownerB, proto.StateServerObjectGetZonesObjectsResp)
	require.Len(t, resps, 1)
	avatarDoID, _ := resps[0].it.ReadUint32()
	count, _ := resps[0].it.ReadUint16()
	expected, _ := resps[0].it.ReadUint32()
	assert.Equal(t, uint32(501), avatarDoID)
	assert.Equal(t, uint16(1), count)
	assert.Equal(t, uint32(500), expected)

	entriesToB := bus.messagesTo(t, ownerB,
		proto.StateServerObjectEnterLocationWithRequired,
		proto.StateServerObjectEnterLocationWithRequiredOther)
	require.Len(t, entriesToB, 1)
	doID, _ = entriesToB[0].it.ReadUint32()
	assert.Equal(t, uint32(500), doID)
}

func TestLocationAckEmittedLast(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	owner := proto.SenderChannel(1, 500)
	generateAvatar(t, s, owner, 500, districtID, 2000)
	setOwner(s, 500, owner)

	mark := len(bus.sent)
	dg := wire.ServerDatagram(uint64(500), owner, proto.StateServerObjectSetZone)
	dg.AddUint32(2100)
	deliver(s, dg)

	var toOwner []uint16
	for _, sent := range bus.sent[mark:] {
		it := wire.NewIterator(sent.Bytes())
		it.Skip(1)
		dst, _ := it.ReadUint64()
		if dst != owner {
			continue
		}
		it.Skip(8)
		mt, _ := it.ReadUint16()
		toOwner = append(toOwner, mt)
	}
	require.NotEmpty(t, toOwner)
	assert.Equal(t, proto.StateServerObjectLocationAck, toOwner[len(toOwner)-1])
	for _, mt := range toOwner[:len(toOwner)-1] {
		assert.NotEqual(t, proto.StateServerObjectLocationAck, mt)
	}
	assert.Equal(t, uint32(2100), s.objects[500].zoneID)
}

func TestClientFieldGating(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	owner := proto.SenderChannel(1, 500)
	other := proto.SenderChannel(2, 501)
	generateAvatar(t, s, aiChannel, 500, districtID, 2000)
	setOwner(s, 500, owner)

	class, _ := s.catalog.ClassByName("DistributedToon")
	dna, _ := class.FieldByName("setDNAString")
	hp, _ := class.FieldByName("setHp")

	sendUpdate := func(sender proto.Channel, f *dc.Field, packed []byte) int {
		mark := len(bus.sent)
		dg := wire.ServerDatagram(uint64(500), sender, proto.StateServerObjectUpdateField)
		dg.AddUint16(f.Number)
		dg.AddData(packed)
		deliver(s, dg)
		return len(bus.sent) - mark
	}

	// Not clsend, not ownsend: dropped entirely.
	dnaPacked, _ := dna.Pack("hacked")
	assert.Zero(t, sendUpdate(owner, dna, dnaPacked))

	// ownsend from a non-owner: dropped.
	hpPacked, _ := hp.Pack(uint16(99))
	assert.Zero(t, sendUpdate(other, hp, hpPacked))

	// ownsend from the owner: echoed to the AI and stored.
	assert.NotZero(t, sendUpdate(owner, hp, hpPacked))
	assert.Equal(t, hpPacked, s.objects[500].required[hp.Number])
	echos := bus.messagesTo(t, aiChannel, proto.StateServerObjectUpdateField)
	require.Len(t, echos, 1)
}

func TestClientBroadcastFanout(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	ownerA := proto.SenderChannel(1, 500)
	ownerB := proto.SenderChannel(2, 501)
	generateAvatar(t, s, ownerA, 500, districtID, 2000)
	setOwner(s, 500, ownerA)
	generateAvatar(t, s, ownerB, 501, districtID, 2000)
	setOwner(s, 501, ownerB)

	class, _ := s.catalog.ClassByName("DistributedToon")
	talk, _ := class.FieldByName("setTalk")
	talkPacked, _ := talk.Pack("hi there")

	mark := len(bus.sent)
	dg := wire.ServerDatagram(uint64(501), ownerB, proto.StateServerObjectUpdateField)
	dg.AddUint16(talk.Number)
	dg.AddData(talkPacked)
	deliver(s, dg)

	// A hears it exactly once with identical payload; B hears nothing back.
	var toA, toB int
	for _, sent := range bus.sent[mark:] {
		it := wire.NewIterator(sent.Bytes())
		it.Skip(1)
		dst, _ := it.ReadUint64()
		it.Skip(8)
		mt, _ := it.ReadUint16()
		if mt != proto.StateServerObjectUpdateField {
			continue
		}
		switch dst {
		case ownerA:
			toA++
			doID, _ := it.ReadUint32()
			fieldNumber, _ := it.ReadUint16()
			assert.Equal(t, uint32(501), doID)
			assert.Equal(t, talk.Number, fieldNumber)
			assert.Equal(t, talkPacked, it.Remaining())
		case ownerB:
			toB++
		}
	}
	assert.Equal(t, 1, toA)
	assert.Zero(t, toB)
}

func TestAIUpdatePersistsDbFields(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	owner := proto.SenderChannel(1, 500)
	generateAvatar(t, s, owner, 500, districtID, 2000)
	setOwner(s, 500, owner)

	class, _ := s.catalog.ClassByName("DistributedToon")
	name, _ := class.FieldByName("setName")
	namePacked, _ := name.Pack("Renamed")

	dg := wire.ServerDatagram(uint64(500), aiChannel, proto.StateServerObjectUpdateField)
	dg.AddUint16(name.Number)
	dg.AddData(namePacked)
	deliver(s, dg)

	// Echoed to the owner, stored, and forwarded to the database.
	echos := bus.messagesTo(t, owner, proto.StateServerObjectUpdateField)
	require.NotEmpty(t, echos)
	assert.Equal(t, namePacked, s.objects[500].required[name.Number])

	saves := bus.messagesTo(t, proto.DatabaseChannel, proto.DBServerObjectSetField)
	require.Len(t, saves, 1)
	doID, _ := saves[0].it.ReadUint32()
	fieldNumber, _ := saves[0].it.ReadUint16()
	assert.Equal(t, uint32(500), doID)
	assert.Equal(t, name.Number, fieldNumber)
}

func TestDeleteRemovesFromObserversAndRegistry(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	ownerA := proto.SenderChannel(1, 500)
	ownerB := proto.SenderChannel(2, 501)
	generateAvatar(t, s, ownerA, 500, districtID, 2000)
	setOwner(s, 500, ownerA)
	generateAvatar(t, s, ownerB, 501, districtID, 2000)
	setOwner(s, 501, ownerB)

	mark := len(bus.sent)
	dg := wire.ServerDatagram(uint64(501), ownerB, proto.StateServerObjectDeleteRAM)
	dg.AddUint32(501)
	deliver(s, dg)

	assert.NotContains(t, s.objects, uint32(501))
	assert.False(t, bus.subs[uint64(501)])

	// A hears the departure: the changing-location carries the cleared location.
	var sawDeparture bool
	for _, sent := range bus.sent[mark:] {
		it := wire.NewIterator(sent.Bytes())
		it.Skip(1)
		dst, _ := it.ReadUint64()
		if dst != ownerA {
			continue
		}
		it.Skip(8)
		mt, _ := it.ReadUint16()
		if mt != proto.StateServerObjectChangingLocation {
			continue
		}
		doID, _ := it.ReadUint32()
		parent, _ := it.ReadUint32()
		zone, _ := it.ReadUint32()
		assert.Equal(t, uint32(501), doID)
		assert.Zero(t, parent)
		assert.Zero(t, zone)
		sawDeparture = true
	}
	assert.True(t, sawDeparture)

	// Generate-then-delete leaves no trace for a rejoined observer.
	dg = wire.ServerDatagram(uint64(500), ownerA, proto.StateServerObjectGetZonesObjects)
	dg.AddUint16(1)
	dg.AddUint32(2000)
	deliver(s, dg)
	resps := bus.messagesTo(t, ownerA, proto.StateServerObjectGetZonesObjectsResp)
	require.NotEmpty(t, resps)
	last := resps[len(resps)-1]
	last.it.ReadUint32()
	count, _ := last.it.ReadUint16()
	assert.Zero(t, count)
}

func TestSetAIMovesObjectUnderDistrict(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	owner := proto.SenderChannel(1, 500)
	generateAvatar(t, s, owner, 500, 0, 0)
	setOwner(s, 500, owner)
	setAI(s, 500, aiChannel)

	obj := s.objects[500]
	assert.Equal(t, aiChannel, obj.aiChannel)
	assert.Equal(t, districtID, obj.parentID)

	entries := bus.messagesTo(t, aiChannel,
		proto.StateServerObjectEnterAIWithRequired,
		proto.StateServerObjectEnterAIWithRequiredOther)
	assert.NotEmpty(t, entries)

	// The owner gets the location ack through the district's fan-out.
	acks := bus.messagesTo(t, owner, proto.StateServerObjectLocationAck)
	assert.NotEmpty(t, acks)
}

func TestSetAIUnknownShardRejected(t *testing.T) {
	s, _ := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)
	generateAvatar(t, s, aiChannel, 500, districtID, 2000)

	setAI(s, 500, 4242)
	assert.Equal(t, aiChannel, s.objects[500].aiChannel)
}

func TestShardTeardown(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	generateDistrict(t, s)

	owners := []proto.Channel{
		proto.SenderChannel(1, 500),
		proto.SenderChannel(2, 501),
		proto.SenderChannel(3, 502),
	}
	for i, owner := range owners {
		doID := uint32(500 + i)
		generateAvatar(t, s, owner, doID, districtID, 2000)
		setOwner(s, doID, owner)
		setAI(s, doID, aiChannel)
	}

	deliver(s, wire.ServerDatagram(proto.StateServerChannel, aiChannel, proto.StateServerRemoveShard))

	for _, owner := range owners {
		msgs := bus.messagesTo(t, owner, proto.ClientAgentDisconnect)
		require.Len(t, msgs, 1, "owner %d", owner)
		code, _ := msgs[0].it.ReadUint16()
		assert.Equal(t, proto.DisconnectShardClosed, code)
	}
	for _, obj := range s.objects {
		assert.NotEqual(t, aiChannel, obj.aiChannel)
	}
	assert.NotContains(t, s.shards, aiChannel)

	// A later shard query omits the removed shard.
	deliver(s, wire.ServerDatagram(proto.StateServerChannel, 4242, proto.StateServerGetShardAll))
	resps := bus.messagesTo(t, 4242, proto.StateServerGetShardAllResp)
	require.Len(t, resps, 1)
	count, _ := resps[0].it.ReadUint16()
	assert.Zero(t, count)
}

func TestGetShardList(t *testing.T) {
	s, bus := newTestServer(t)
	addShard(t, s, aiChannel, districtID, "TTC")
	addShard(t, s, 9001, 2, "Donald's Dock")

	deliver(s, wire.ServerDatagram(proto.StateServerChannel, 4242, proto.StateServerGetShardAll))
	resps := bus.messagesTo(t, 4242, proto.StateServerGetShardAllResp)
	require.Len(t, resps, 1)
	count, _ := resps[0].it.ReadUint16()
	assert.Equal(t, uint16(2), count)
}
