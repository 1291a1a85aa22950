package db

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/toonlabs/otpd/internal/channel"
	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/monitoring"
	"github.com/toonlabs/otpd/internal/node"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

const defaultDrainInterval = 5 * time.Millisecond

// Config carries the Database Server settings.
type Config struct {
	MDAddr        string
	Channel       proto.Channel
	Directory     string
	Extension     string
	TrackerName   string
	MinDoID       uint64
	MaxDoID       uint64
	DrainInterval time.Duration
}

type operation struct {
	sender  proto.Channel
	msgType uint16
	payload []byte
}

// Server is the Database Server. Operations are parsed off the bus into a
// single-consumer queue and drained by a periodic task; each operation
// completes within one tick and emits its response.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.DBMetrics
	catalog *dc.File

	backend *FileBackend
	alloc   *channel.Allocator
	send    node.Sender

	queue []operation
	done  chan struct{}
}

// New builds the server, opening the backend and seeding the id allocator
// from the persisted tracker.
func New(cfg Config, catalog *dc.File, log zerolog.Logger, metrics *monitoring.DBMetrics) (*Server, error) {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	backend, err := NewFileBackend(cfg.Directory, cfg.Extension, cfg.TrackerName)
	if err != nil {
		return nil, err
	}
	alloc, err := channel.NewAllocator(cfg.MinDoID, cfg.MaxDoID)
	if err != nil {
		return nil, err
	}
	if next, ok, err := backend.LoadNext(); err != nil {
		return nil, err
	} else if ok {
		if err := alloc.SetNext(next); err != nil {
			return nil, fmt.Errorf("db: tracker: %w", err)
		}
	}
	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "database").Logger(),
		metrics: metrics,
		catalog: catalog,
		backend: backend,
		alloc:   alloc,
		done:    make(chan struct{}),
	}
	if metrics != nil {
		metrics.Objects.Set(float64(backend.Count()))
	}
	return s, nil
}

// Run dials the Message Director, subscribes the database channel, and
// services operations until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	conn, err := node.DialMDRetry(ctx, s.cfg.MDAddr, s.log)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.send = conn
	if err := conn.Subscribe(s.cfg.Channel); err != nil {
		return err
	}
	s.log.Info().Uint64("channel", s.cfg.Channel).Msg("database server up")

	drain := time.NewTicker(s.cfg.DrainInterval)
	defer drain.Stop()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case payload, ok := <-conn.Inbox:
			if !ok {
				return fmt.Errorf("db: message director link lost")
			}
			s.handleDatagram(payload)
		case <-drain.C:
			s.drain()
		}
	}
}

// Done is closed when the loop exits.
func (s *Server) Done() <-chan struct{} { return s.done }

// handleDatagram parses the routed header and enqueues the operation.
func (s *Server) handleDatagram(payload []byte) {
	it := wire.NewIterator(payload)
	if err := it.Skip(1 + 8); err != nil {
		return
	}
	sender, err := it.ReadUint64()
	if err != nil {
		return
	}
	msgType, err := it.ReadUint16()
	if err != nil {
		return
	}
	rest := make([]byte, it.RemainingLen())
	copy(rest, it.Remaining())
	s.queue = append(s.queue, operation{sender: sender, msgType: msgType, payload: rest})
}

// drain executes every queued operation.
func (s *Server) drain() {
	queue := s.queue
	s.queue = nil
	for _, op := range queue {
		s.execute(op)
	}
}

func (s *Server) execute(op operation) {
	it := wire.NewIterator(op.payload)
	var err error
	switch op.msgType {
	case proto.DBServerCreateObject:
		err = s.handleCreate(op.sender, it)
	case proto.DBServerObjectGetAll:
		err = s.handleGetAll(op.sender, it)
	case proto.DBServerObjectGetField:
		err = s.handleGetField(op.sender, it)
	case proto.DBServerObjectGetFields:
		err = s.handleGetFields(op.sender, it)
	case proto.DBServerObjectSetField:
		err = s.handleSetField(it)
	case proto.DBServerObjectSetFields:
		err = s.handleSetFields(it)
	case proto.DBServerObjectSetFieldIfEquals:
		err = s.handleSetFieldIfEquals(op.sender, it)
	default:
		s.log.Warn().Uint16("msg_type", op.msgType).Msg("unknown database message")
		return
	}
	if err != nil {
		s.log.Warn().Uint16("msg_type", op.msgType).Err(err).Msg("operation failed")
	}
	if s.metrics != nil {
		s.metrics.Operations.WithLabelValues(opName(op.msgType)).Inc()
	}
}

func opName(msgType uint16) string {
	switch msgType {
	case proto.DBServerCreateObject:
		return "create"
	case proto.DBServerObjectGetAll:
		return "get_all"
	case proto.DBServerObjectGetField:
		return "get_field"
	case proto.DBServerObjectGetFields:
		return "get_fields"
	case proto.DBServerObjectSetField:
		return "set_field"
	case proto.DBServerObjectSetFields:
		return "set_fields"
	case proto.DBServerObjectSetFieldIfEquals:
		return "set_field_if_equals"
	default:
		return "unknown"
	}
}

func (s *Server) reply(dst proto.Channel, msgType uint16) *wire.Datagram {
	return wire.ServerDatagram(dst, s.cfg.Channel, msgType)
}

// handleCreate allocates a doId, applies defaults for db fields that carry
// one, then the supplied values, and persists the record.
func (s *Server) handleCreate(sender proto.Channel, it *wire.Iterator) error {
	ctx, err := it.ReadUint32()
	if err != nil {
		return err
	}
	fail := func() {
		dg := s.reply(sender, proto.DBServerCreateObjectResp)
		dg.AddUint32(ctx)
		dg.AddUint32(0)
		s.send.Send(dg)
	}

	classNumber, err := it.ReadUint16()
	if err != nil {
		return err
	}
	class, ok := s.catalog.Class(classNumber)
	if !ok {
		fail()
		return fmt.Errorf("unknown class %d", classNumber)
	}
	count, err := it.ReadUint16()
	if err != nil {
		return err
	}
	values := make(map[string]any)
	for _, f := range class.Fields() {
		if f.Flags.Is(dc.Db) && f.DefaultValue != nil {
			values[f.Name] = fieldValue(f.DefaultValue)
		}
	}
	for i := 0; i < int(count); i++ {
		fieldNumber, err := it.ReadUint16()
		if err != nil {
			return err
		}
		packed, err := it.ReadBlob()
		if err != nil {
			return err
		}
		f, ok := class.Field(fieldNumber)
		if !ok {
			continue
		}
		vals, err := f.Decode(packed)
		if err != nil {
			fail()
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		values[f.Name] = fieldValue(vals)
	}

	id, err := s.alloc.Allocate()
	if err != nil {
		fail()
		return err
	}
	rec := &Record{DClass: class.Name, DoID: uint32(id), Fields: values}
	if err := s.backend.Save(rec); err != nil {
		fail()
		return err
	}
	if err := s.backend.SaveNext(id + 1); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Objects.Set(float64(s.backend.Count()))
	}

	dg := s.reply(sender, proto.DBServerCreateObjectResp)
	dg.AddUint32(ctx)
	dg.AddUint32(uint32(id))
	return s.send.Send(dg)
}

func (s *Server) handleGetAll(sender proto.Channel, it *wire.Iterator) error {
	ctx, err := it.ReadUint32()
	if err != nil {
		return err
	}
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}

	dg := s.reply(sender, proto.DBServerObjectGetAllResp)
	dg.AddUint32(ctx)

	rec, err := s.loadRecord(doID)
	if err != nil {
		dg.AddUint8(0)
		s.send.Send(dg)
		return nil
	}
	class, _ := s.catalog.ClassByName(rec.DClass)

	type packed struct {
		number uint16
		data   []byte
	}
	var fields []packed
	for _, f := range class.Fields() {
		stored, ok := rec.Fields[f.Name]
		if !ok {
			continue
		}
		data, err := packedField(f, stored)
		if err != nil {
			s.log.Warn().Uint32("do_id", doID).Str("field", f.Name).Err(err).Msg("stored value does not pack")
			continue
		}
		fields = append(fields, packed{number: f.Number, data: data})
	}

	dg.AddUint8(1)
	dg.AddUint16(class.Number)
	dg.AddUint16(uint16(len(fields)))
	for _, f := range fields {
		dg.AddUint16(f.number)
		dg.AddBlob(f.data)
	}
	return s.send.Send(dg)
}

func (s *Server) handleGetField(sender proto.Channel, it *wire.Iterator) error {
	ctx, err := it.ReadUint32()
	if err != nil {
		return err
	}
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	fieldNumber, err := it.ReadUint16()
	if err != nil {
		return err
	}

	dg := s.reply(sender, proto.DBServerObjectGetFieldResp)
	dg.AddUint32(ctx)

	data, ok := s.lookupField(doID, fieldNumber)
	if !ok {
		dg.AddUint8(0)
		return s.send.Send(dg)
	}
	dg.AddUint8(1)
	dg.AddUint16(fieldNumber)
	dg.AddBlob(data)
	return s.send.Send(dg)
}

func (s *Server) handleGetFields(sender proto.Channel, it *wire.Iterator) error {
	ctx, err := it.ReadUint32()
	if err != nil {
		return err
	}
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	count, err := it.ReadUint16()
	if err != nil {
		return err
	}

	dg := s.reply(sender, proto.DBServerObjectGetFieldsResp)
	dg.AddUint32(ctx)

	type packed struct {
		number uint16
		data   []byte
	}
	var fields []packed
	for i := 0; i < int(count); i++ {
		fieldNumber, err := it.ReadUint16()
		if err != nil {
			return err
		}
		if data, ok := s.lookupField(doID, fieldNumber); ok {
			fields = append(fields, packed{number: fieldNumber, data: data})
		}
	}

	dg.AddUint8(1)
	dg.AddUint16(uint16(len(fields)))
	for _, f := range fields {
		dg.AddUint16(f.number)
		dg.AddBlob(f.data)
	}
	return s.send.Send(dg)
}

// lookupField packs one stored field of doID, if the object, the field,
// and a stored value all exist.
func (s *Server) lookupField(doID uint32, fieldNumber uint16) ([]byte, bool) {
	rec, err := s.loadRecord(doID)
	if err != nil {
		return nil, false
	}
	class, _ := s.catalog.ClassByName(rec.DClass)
	f, ok := class.Field(fieldNumber)
	if !ok {
		return nil, false
	}
	stored, ok := rec.Fields[f.Name]
	if !ok {
		return nil, false
	}
	data, err := packedField(f, stored)
	if err != nil {
		s.log.Warn().Uint32("do_id", doID).Str("field", f.Name).Err(err).Msg("stored value does not pack")
		return nil, false
	}
	return data, true
}

// loadRecord loads doID and checks its class is known.
func (s *Server) loadRecord(doID uint32) (*Record, error) {
	if !s.backend.Exists(doID) {
		return nil, fmt.Errorf("no object %d", doID)
	}
	rec, err := s.backend.Load(doID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.catalog.ClassByName(rec.DClass); !ok {
		return nil, fmt.Errorf("object %d has unknown class %q", doID, rec.DClass)
	}
	return rec, nil
}

func (s *Server) storeField(rec *Record, class *dc.Class, fieldNumber uint16, data []byte) error {
	f, ok := class.Field(fieldNumber)
	if !ok {
		return fmt.Errorf("unknown field %d on %q", fieldNumber, class.Name)
	}
	if !f.Flags.Is(dc.Db) {
		return fmt.Errorf("field %q is not db-flagged", f.Name)
	}
	vals, err := f.Decode(data)
	if err != nil {
		return err
	}
	rec.Fields[f.Name] = fieldValue(vals)
	return nil
}

func (s *Server) handleSetField(it *wire.Iterator) error {
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	fieldNumber, err := it.ReadUint16()
	if err != nil {
		return err
	}
	data, err := it.ReadBlob()
	if err != nil {
		return err
	}
	rec, err := s.loadRecord(doID)
	if err != nil {
		return err
	}
	class, _ := s.catalog.ClassByName(rec.DClass)
	if err := s.storeField(rec, class, fieldNumber, data); err != nil {
		return err
	}
	return s.backend.Save(rec)
}

func (s *Server) handleSetFields(it *wire.Iterator) error {
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	count, err := it.ReadUint16()
	if err != nil {
		return err
	}
	rec, err := s.loadRecord(doID)
	if err != nil {
		return err
	}
	class, _ := s.catalog.ClassByName(rec.DClass)
	for i := 0; i < int(count); i++ {
		fieldNumber, err := it.ReadUint16()
		if err != nil {
			return err
		}
		data, err := it.ReadBlob()
		if err != nil {
			return err
		}
		if err := s.storeField(rec, class, fieldNumber, data); err != nil {
			s.log.Warn().Uint32("do_id", doID).Err(err).Msg("skipping field")
		}
	}
	return s.backend.Save(rec)
}

// handleSetFieldIfEquals is the compare-and-set: the stored packed value
// must equal the supplied old value byte for byte.
func (s *Server) handleSetFieldIfEquals(sender proto.Channel, it *wire.Iterator) error {
	ctx, err := it.ReadUint32()
	if err != nil {
		return err
	}
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	fieldNumber, err := it.ReadUint16()
	if err != nil {
		return err
	}
	oldData, err := it.ReadBlob()
	if err != nil {
		return err
	}
	newData, err := it.ReadBlob()
	if err != nil {
		return err
	}

	dg := s.reply(sender, proto.DBServerObjectSetFieldIfEqualsResp)
	dg.AddUint32(ctx)

	rec, err := s.loadRecord(doID)
	if err != nil {
		dg.AddUint8(0)
		dg.AddUint16(0)
		s.send.Send(dg)
		return nil
	}
	class, _ := s.catalog.ClassByName(rec.DClass)
	f, ok := class.Field(fieldNumber)
	if !ok || !f.Flags.Is(dc.Db) {
		dg.AddUint8(0)
		dg.AddUint16(0)
		s.send.Send(dg)
		return nil
	}

	var current []byte
	if stored, ok := rec.Fields[f.Name]; ok {
		current, err = packedField(f, stored)
		if err != nil {
			return err
		}
	}
	if !bytes.Equal(current, oldData) {
		dg.AddUint8(0)
		dg.AddUint16(1)
		dg.AddUint16(f.Number)
		dg.AddBlob(current)
		return s.send.Send(dg)
	}

	if err := s.storeField(rec, class, fieldNumber, newData); err != nil {
		return err
	}
	if err := s.backend.Save(rec); err != nil {
		return err
	}
	dg.AddUint8(1)
	dg.AddUint16(0)
	return s.send.Send(dg)
}
