package db

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/node"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

// QueryResult is a parsed OBJECT_GET_ALL response.
type QueryResult struct {
	OK     bool
	Class  *dc.Class
	Fields map[uint16][]byte // field number -> packed tuple
}

// Value decodes a field of the result by name. ok is false when the field
// was not returned or does not decode.
func (r *QueryResult) Value(name string) ([]any, bool) {
	if !r.OK {
		return nil, false
	}
	f, ok := r.Class.FieldByName(name)
	if !ok {
		return nil, false
	}
	packed, ok := r.Fields[f.Number]
	if !ok {
		return nil, false
	}
	vals, err := f.Decode(packed)
	if err != nil {
		return nil, false
	}
	return vals, true
}

// Packed returns the raw packed tuple of a field by name.
func (r *QueryResult) Packed(name string) ([]byte, bool) {
	if !r.OK {
		return nil, false
	}
	f, ok := r.Class.FieldByName(name)
	if !ok {
		return nil, false
	}
	packed, ok := r.Fields[f.Number]
	return packed, ok
}

// Client is the request/response consumer side of the database interface.
// Each request draws a monotonic 32-bit context; responses arriving on the
// requester's channel resolve the pending callback. Single event-loop use,
// no locking.
type Client struct {
	send    node.Sender
	db      proto.Channel
	catalog *dc.File
	log     zerolog.Logger

	nextCtx       uint32
	pendingCreate map[uint32]func(doID uint32)
	pendingQuery  map[uint32]func(QueryResult)
	pendingCAS    map[uint32]func(ok bool, failing map[uint16][]byte)
}

// NewClient builds a consumer talking to the database on dbChannel.
func NewClient(send node.Sender, dbChannel proto.Channel, catalog *dc.File, log zerolog.Logger) *Client {
	return &Client{
		send:          send,
		db:            dbChannel,
		catalog:       catalog,
		log:           log.With().Str("component", "db-client").Logger(),
		pendingCreate: make(map[uint32]func(uint32)),
		pendingQuery:  make(map[uint32]func(QueryResult)),
		pendingCAS:    make(map[uint32]func(bool, map[uint16][]byte)),
	}
}

func (c *Client) context() uint32 {
	c.nextCtx++
	return c.nextCtx
}

// CreateObject requests a new object of class with initial packed fields.
// The callback receives the new doId, 0 on failure.
func (c *Client) CreateObject(reply proto.Channel, class *dc.Class, fields map[uint16][]byte, cb func(doID uint32)) error {
	ctx := c.context()
	c.pendingCreate[ctx] = cb

	dg := wire.ServerDatagram(c.db, reply, proto.DBServerCreateObject)
	dg.AddUint32(ctx)
	dg.AddUint16(class.Number)
	dg.AddUint16(uint16(len(fields)))
	for number, packed := range fields {
		dg.AddUint16(number)
		dg.AddBlob(packed)
	}
	return c.send.Send(dg)
}

// QueryObject requests every stored field of doID.
func (c *Client) QueryObject(reply proto.Channel, doID uint32, cb func(QueryResult)) error {
	ctx := c.context()
	c.pendingQuery[ctx] = cb

	dg := wire.ServerDatagram(c.db, reply, proto.DBServerObjectGetAll)
	dg.AddUint32(ctx)
	dg.AddUint32(doID)
	return c.send.Send(dg)
}

// UpdateField stores one field, fire and forget.
func (c *Client) UpdateField(src proto.Channel, doID uint32, fieldNumber uint16, packed []byte) error {
	dg := wire.ServerDatagram(c.db, src, proto.DBServerObjectSetField)
	dg.AddUint32(doID)
	dg.AddUint16(fieldNumber)
	dg.AddBlob(packed)
	return c.send.Send(dg)
}

// UpdateFieldIfEquals is the compare-and-set variant. On failure the
// callback receives the fields that did not match with their current
// packed values.
func (c *Client) UpdateFieldIfEquals(reply proto.Channel, doID uint32, fieldNumber uint16, oldPacked, newPacked []byte, cb func(ok bool, failing map[uint16][]byte)) error {
	ctx := c.context()
	c.pendingCAS[ctx] = cb

	dg := wire.ServerDatagram(c.db, reply, proto.DBServerObjectSetFieldIfEquals)
	dg.AddUint32(ctx)
	dg.AddUint32(doID)
	dg.AddUint16(fieldNumber)
	dg.AddBlob(oldPacked)
	dg.AddBlob(newPacked)
	return c.send.Send(dg)
}

// HandleResponse consumes a database response datagram (header already
// read). It returns false when msgType is not a database response.
func (c *Client) HandleResponse(msgType uint16, it *wire.Iterator) (bool, error) {
	switch msgType {
	case proto.DBServerCreateObjectResp:
		ctx, err := it.ReadUint32()
		if err != nil {
			return true, err
		}
		doID, err := it.ReadUint32()
		if err != nil {
			return true, err
		}
		cb, ok := c.pendingCreate[ctx]
		if !ok {
			return true, fmt.Errorf("db: create response for unknown context %d", ctx)
		}
		delete(c.pendingCreate, ctx)
		cb(doID)
		return true, nil

	case proto.DBServerObjectGetAllResp:
		ctx, err := it.ReadUint32()
		if err != nil {
			return true, err
		}
		cb, ok := c.pendingQuery[ctx]
		if !ok {
			return true, fmt.Errorf("db: query response for unknown context %d", ctx)
		}
		delete(c.pendingQuery, ctx)

		success, err := it.ReadUint8()
		if err != nil {
			return true, err
		}
		if success == 0 {
			cb(QueryResult{})
			return true, nil
		}
		classNumber, err := it.ReadUint16()
		if err != nil {
			return true, err
		}
		class, ok := c.catalog.Class(classNumber)
		if !ok {
			return true, fmt.Errorf("db: query response with unknown class %d", classNumber)
		}
		count, err := it.ReadUint16()
		if err != nil {
			return true, err
		}
		fields := make(map[uint16][]byte, count)
		for i := 0; i < int(count); i++ {
			number, err := it.ReadUint16()
			if err != nil {
				return true, err
			}
			packed, err := it.ReadBlob()
			if err != nil {
				return true, err
			}
			cp := make([]byte, len(packed))
			copy(cp, packed)
			fields[number] = cp
		}
		cb(QueryResult{OK: true, Class: class, Fields: fields})
		return true, nil

	case proto.DBServerObjectSetFieldIfEqualsResp:
		ctx, err := it.ReadUint32()
		if err != nil {
			return true, err
		}
		cb, ok := c.pendingCAS[ctx]
		if !ok {
			return true, fmt.Errorf("db: cas response for unknown context %d", ctx)
		}
		delete(c.pendingCAS, ctx)

		success, err := it.ReadUint8()
		if err != nil {
			return true, err
		}
		count, err := it.ReadUint16()
		if err != nil {
			return true, err
		}
		failing := make(map[uint16][]byte, count)
		for i := 0; i < int(count); i++ {
			number, err := it.ReadUint16()
			if err != nil {
				return true, err
			}
			packed, err := it.ReadBlob()
			if err != nil {
				return true, err
			}
			cp := make([]byte, len(packed))
			copy(cp, packed)
			failing[number] = cp
		}
		cb(success == 1, failing)
		return true, nil
	}
	return false, nil
}
