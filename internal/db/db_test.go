package db

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

type funcSender struct {
	fn func(*wire.Datagram) error
}

func (f funcSender) Send(dg *wire.Datagram) error                       { return f.fn(dg) }
func (f funcSender) Subscribe(proto.Channel) error                      { return nil }
func (f funcSender) Unsubscribe(proto.Channel) error                    { return nil }
func (f funcSender) AddPostRemove(proto.Channel, *wire.Datagram) error  { return nil }
func (f funcSender) ClearPostRemove(proto.Channel) error                { return nil }

// harness wires a Client and a Server back to back: client requests run the
// server operation inline, server responses resolve the client callback.
type harness struct {
	server *Server
	client *Client
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	catalog, err := dc.NewToonFile()
	require.NoError(t, err)

	cfg := Config{
		Channel:     proto.DatabaseChannel,
		Directory:   dir,
		Extension:   "json",
		TrackerName: "next.json",
		MinDoID:     100,
		MaxDoID:     199,
	}
	server, err := New(cfg, catalog, zerolog.Nop(), nil)
	require.NoError(t, err)

	h := &harness{server: server}
	server.send = funcSender{fn: func(dg *wire.Datagram) error {
		it := wire.NewIterator(dg.Bytes())
		require.NoError(t, it.Skip(1+8+8))
		msgType, err := it.ReadUint16()
		require.NoError(t, err)
		handled, err := h.client.HandleResponse(msgType, it)
		require.NoError(t, err)
		require.True(t, handled)
		return nil
	}}
	h.client = NewClient(funcSender{fn: func(dg *wire.Datagram) error {
		server.handleDatagram(dg.Bytes())
		server.drain()
		return nil
	}}, proto.DatabaseChannel, catalog, zerolog.Nop())
	return h
}

func (h *harness) accountClass(t *testing.T) *dc.Class {
	t.Helper()
	c, ok := h.server.catalog.ClassByName("Account")
	require.True(t, ok)
	return c
}

func TestCreateAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)

	var got uint32
	require.NoError(t, h.client.CreateObject(42, h.accountClass(t), nil, func(doID uint32) { got = doID }))
	assert.Equal(t, uint32(100), got)

	var queried QueryResult
	require.NoError(t, h.client.QueryObject(42, got, func(r QueryResult) { queried = r }))
	require.True(t, queried.OK)
	assert.Equal(t, "Account", queried.Class.Name)

	vals, ok := queried.Value("ACCOUNT_AV_SET")
	require.True(t, ok)
	assert.Equal(t, []any{[]uint32{0, 0, 0, 0, 0, 0}}, vals)

	// Tracker persisted past the allocation.
	next, ok, err := h.server.backend.LoadNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(101), next)
}

func TestCreateWithExplicitFields(t *testing.T) {
	h := newHarness(t, t.TempDir())
	catalog := h.server.catalog
	toon, _ := catalog.ClassByName("DistributedToon")
	dna, _ := toon.FieldByName("setDNAString")
	name, _ := toon.FieldByName("setName")

	dnaPacked, err := dna.Pack("dna-blob")
	require.NoError(t, err)
	namePacked, err := name.Pack("Skippy")
	require.NoError(t, err)

	var doID uint32
	fields := map[uint16][]byte{dna.Number: dnaPacked, name.Number: namePacked}
	require.NoError(t, h.client.CreateObject(42, toon, fields, func(id uint32) { doID = id }))
	require.NotZero(t, doID)

	var r QueryResult
	require.NoError(t, h.client.QueryObject(42, doID, func(q QueryResult) { r = q }))
	require.True(t, r.OK)

	vals, ok := r.Value("setName")
	require.True(t, ok)
	assert.Equal(t, []any{"Skippy"}, vals)
	vals, ok = r.Value("setDNAString")
	require.True(t, ok)
	assert.Equal(t, []any{"dna-blob"}, vals)
	// A default rides along for untouched db fields.
	vals, ok = r.Value("setHp")
	require.True(t, ok)
	assert.Equal(t, []any{uint16(15)}, vals)
}

func TestSetField(t *testing.T) {
	h := newHarness(t, t.TempDir())
	account := h.accountClass(t)
	avSet, _ := account.FieldByName("ACCOUNT_AV_SET")

	var doID uint32
	require.NoError(t, h.client.CreateObject(42, account, nil, func(id uint32) { doID = id }))

	packed, err := avSet.Pack([]uint32{0, 7, 0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, h.client.UpdateField(42, doID, avSet.Number, packed))

	var r QueryResult
	require.NoError(t, h.client.QueryObject(42, doID, func(q QueryResult) { r = q }))
	vals, ok := r.Value("ACCOUNT_AV_SET")
	require.True(t, ok)
	assert.Equal(t, []any{[]uint32{0, 7, 0, 0, 0, 0}}, vals)
}

func TestSetFieldRejectsNonDb(t *testing.T) {
	h := newHarness(t, t.TempDir())
	catalog := h.server.catalog
	toon, _ := catalog.ClassByName("DistributedToon")
	talk, _ := toon.FieldByName("setTalk")
	dna, _ := toon.FieldByName("setDNAString")

	dnaPacked, _ := dna.Pack("x")
	var doID uint32
	require.NoError(t, h.client.CreateObject(1, toon, map[uint16][]byte{dna.Number: dnaPacked}, func(id uint32) { doID = id }))

	talkPacked, _ := talk.Pack("hello")
	require.NoError(t, h.client.UpdateField(1, doID, talk.Number, talkPacked))

	var r QueryResult
	require.NoError(t, h.client.QueryObject(1, doID, func(q QueryResult) { r = q }))
	_, ok := r.Packed("setTalk")
	assert.False(t, ok)
}

func TestSetFieldIfEquals(t *testing.T) {
	h := newHarness(t, t.TempDir())
	account := h.accountClass(t)
	avSet, _ := account.FieldByName("ACCOUNT_AV_SET")

	var doID uint32
	require.NoError(t, h.client.CreateObject(42, account, nil, func(id uint32) { doID = id }))

	oldPacked, _ := avSet.Pack([]uint32{0, 0, 0, 0, 0, 0})
	newPacked, _ := avSet.Pack([]uint32{9, 0, 0, 0, 0, 0})

	var ok bool
	require.NoError(t, h.client.UpdateFieldIfEquals(42, doID, avSet.Number, oldPacked, newPacked,
		func(success bool, _ map[uint16][]byte) { ok = success }))
	assert.True(t, ok)

	// Second swap with the stale expectation fails and reports the current value.
	var failing map[uint16][]byte
	require.NoError(t, h.client.UpdateFieldIfEquals(42, doID, avSet.Number, oldPacked, newPacked,
		func(success bool, f map[uint16][]byte) { ok = success; failing = f }))
	assert.False(t, ok)
	assert.Equal(t, newPacked, failing[avSet.Number])
}

func TestGetFieldFamilies(t *testing.T) {
	h := newHarness(t, t.TempDir())
	account := h.accountClass(t)
	avSet, _ := account.FieldByName("ACCOUNT_AV_SET")

	var doID uint32
	require.NoError(t, h.client.CreateObject(42, account, nil, func(id uint32) { doID = id }))

	var replies []*wire.Iterator
	h.server.send = funcSender{fn: func(dg *wire.Datagram) error {
		it := wire.NewIterator(dg.Bytes())
		require.NoError(t, it.Skip(1+8+8))
		replies = append(replies, it)
		return nil
	}}
	ask := func(msgType uint16, build func(*wire.Datagram)) *wire.Iterator {
		t.Helper()
		dg := wire.ServerDatagram(proto.DatabaseChannel, 42, msgType)
		build(dg)
		h.server.handleDatagram(dg.Bytes())
		h.server.drain()
		require.NotEmpty(t, replies)
		it := replies[len(replies)-1]
		_, err := it.ReadUint16() // reply msg type
		require.NoError(t, err)
		return it
	}

	it := ask(proto.DBServerObjectGetField, func(dg *wire.Datagram) {
		dg.AddUint32(7)
		dg.AddUint32(doID)
		dg.AddUint16(avSet.Number)
	})
	ctx, err := it.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), ctx)
	ok, err := it.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(1), ok)
	num, err := it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, avSet.Number, num)
	data, err := it.ReadBlob()
	require.NoError(t, err)
	vals, err := avSet.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []any{[]uint32{0, 0, 0, 0, 0, 0}}, vals)

	// GET_FIELDS returns only fields that exist and carry a stored value.
	it = ask(proto.DBServerObjectGetFields, func(dg *wire.Datagram) {
		dg.AddUint32(8)
		dg.AddUint32(doID)
		dg.AddUint16(2)
		dg.AddUint16(avSet.Number)
		dg.AddUint16(0xFFF0)
	})
	ctx, err = it.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(8), ctx)
	ok, err = it.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(1), ok)
	count, err := it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)
	num, err = it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, avSet.Number, num)

	// Missing object fails the single lookup.
	it = ask(proto.DBServerObjectGetField, func(dg *wire.Datagram) {
		dg.AddUint32(9)
		dg.AddUint32(99999)
		dg.AddUint16(avSet.Number)
	})
	_, err = it.ReadUint32()
	require.NoError(t, err)
	ok, err = it.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), ok)
}

func TestQueryMissingObject(t *testing.T) {
	h := newHarness(t, t.TempDir())

	var r QueryResult
	r.OK = true
	require.NoError(t, h.client.QueryObject(42, 9999, func(q QueryResult) { r = q }))
	assert.False(t, r.OK)
}

func TestAllocatorResumesFromTracker(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)

	var first uint32
	require.NoError(t, h.client.CreateObject(1, h.accountClass(t), nil, func(id uint32) { first = id }))
	assert.Equal(t, uint32(100), first)

	// A fresh server over the same directory picks up where it left off.
	h2 := newHarness(t, dir)
	var second uint32
	require.NoError(t, h2.client.CreateObject(1, h2.accountClass(t), nil, func(id uint32) { second = id }))
	assert.Equal(t, uint32(101), second)
}
