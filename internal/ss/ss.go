package ss

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/monitoring"
	"github.com/toonlabs/otpd/internal/node"
	"github.com/toonlabs/otpd/internal/proto"
	"github.com/toonlabs/otpd/internal/wire"
)

// Config carries the State Server settings.
type Config struct {
	MDAddr  string
	Channel proto.Channel
}

// Shard is one registered AI process.
type Shard struct {
	Channel    proto.Channel
	DistrictID uint32
	Name       string
	Population uint32
}

// Server is the State Server. The registry and shard table are owned by the
// event loop; handlers run to completion per datagram.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.SSMetrics
	catalog *dc.File

	send node.Sender

	shards  map[proto.Channel]*Shard
	objects map[uint32]*StateObject
	done    chan struct{}
}

// New builds an unstarted server.
func New(cfg Config, catalog *dc.File, log zerolog.Logger, metrics *monitoring.SSMetrics) *Server {
	return &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "stateserver").Logger(),
		metrics: metrics,
		catalog: catalog,
		shards:  make(map[proto.Channel]*Shard),
		objects: make(map[uint32]*StateObject),
		done:    make(chan struct{}),
	}
}

// Run dials the Message Director, subscribes the state server channel, and
// services datagrams until ctx is done.
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
	s.log.Info().Uint64("channel", s.cfg.Channel).Msg("state server up")

	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-conn.Inbox:
			if !ok {
				return fmt.Errorf("ss: message director link lost")
			}
			s.handleDatagram(payload)
		}
	}
}

// Done is closed when the loop exits.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) sendDatagram(dg *wire.Datagram) {
	if err := s.send.Send(dg); err != nil {
		s.log.Warn().Err(err).Msg("send failed")
	}
}

// handleDatagram dispatches one routed datagram: the well-known channel
// carries registry-level messages, object channels carry per-object ones.
func (s *Server) handleDatagram(payload []byte) {
	it := wire.NewIterator(payload)
	if err := it.Skip(1); err != nil {
		return
	}
	dst, err := it.ReadUint64()
	if err != nil {
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

	if dst == s.cfg.Channel {
		s.handleServerMessage(sender, msgType, it)
		return
	}
	obj, ok := s.objects[uint32(dst)]
	if !ok {
		s.log.Debug().Uint64("channel", dst).Uint16("msg_type", msgType).Msg("no object on channel")
		return
	}
	obj.handleDatagram(sender, msgType, it)
}

func (s *Server) handleServerMessage(sender proto.Channel, msgType uint16, it *wire.Iterator) {
	var err error
	switch msgType {
	case proto.StateServerAddShard:
		err = s.handleAddShard(sender, it)
	case proto.StateServerUpdateShard:
		err = s.handleUpdateShard(sender, it)
	case proto.StateServerRemoveShard:
		s.handleRemoveShard(sender)
	case proto.StateServerGetShardAll:
		s.sendShardList(sender)
	case proto.StateServerObjectGenerateWithRequired:
		err = s.handleGenerate(sender, it, false)
	case proto.StateServerObjectGenerateWithRequiredOther:
		err = s.handleGenerate(sender, it, true)
	case proto.StateServerObjectUpdateField:
		err = s.handleForwardedUpdateField(sender, it)
	case proto.StateServerObjectDeleteRAM:
		err = s.handleDeleteRAM(it)
	default:
		s.log.Warn().Uint16("msg_type", msgType).Msg("unknown state server message")
		return
	}
	if err != nil {
		s.log.Warn().Uint16("msg_type", msgType).Err(err).Msg("dropping message")
	}
}

func (s *Server) handleAddShard(sender proto.Channel, it *wire.Iterator) error {
	districtID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	name, err := it.ReadString()
	if err != nil {
		return err
	}
	population, err := it.ReadUint32()
	if err != nil {
		return err
	}
	if _, exists := s.shards[sender]; exists {
		s.log.Info().Uint64("channel", sender).Msg("shard already registered")
		return nil
	}
	s.shards[sender] = &Shard{Channel: sender, DistrictID: districtID, Name: name, Population: population}
	s.log.Info().Uint64("channel", sender).Str("name", name).Msg("shard registered")
	if s.metrics != nil {
		s.metrics.Shards.Set(float64(len(s.shards)))
	}
	s.broadcastShardList(0)
	return nil
}

func (s *Server) handleUpdateShard(sender proto.Channel, it *wire.Iterator) error {
	shard, ok := s.shards[sender]
	if !ok {
		s.log.Warn().Uint64("channel", sender).Msg("cannot update unknown shard")
		return nil
	}
	name, err := it.ReadString()
	if err != nil {
		return err
	}
	population, err := it.ReadUint32()
	if err != nil {
		return err
	}
	shard.Name = name
	shard.Population = population
	s.broadcastShardList(shard.Channel)
	return nil
}

// handleRemoveShard tears the shard down: orphaned owners are told to
// disconnect, the shard's objects are destroyed, and the remaining owners
// get a fresh shard list.
func (s *Server) handleRemoveShard(sender proto.Channel) {
	shard, ok := s.shards[sender]
	if !ok {
		s.log.Warn().Uint64("channel", sender).Msg("cannot remove unknown shard")
		return
	}
	for _, obj := range s.objectList() {
		if obj.aiChannel != shard.Channel {
			continue
		}
		if obj.ownerID != 0 {
			s.sendShardClosed(obj.ownerID, shard)
		}
		s.removeObject(obj)
	}
	delete(s.shards, sender)
	s.log.Info().Uint64("channel", sender).Str("name", shard.Name).Msg("shard removed")
	if s.metrics != nil {
		s.metrics.Shards.Set(float64(len(s.shards)))
	}
	s.broadcastShardList(0)
}

func (s *Server) sendShardClosed(owner proto.Channel, shard *Shard) {
	dg := wire.ServerDatagram(owner, s.cfg.Channel, proto.ClientAgentDisconnect)
	dg.AddUint16(proto.DisconnectShardClosed)
	dg.AddString(fmt.Sprintf("shard %d has been terminated", shard.Channel))
	s.sendDatagram(dg)
}

// broadcastShardList pushes the current shard list to the owner of every
// owned object. With onlyAI set, only objects simulated by that shard.
func (s *Server) broadcastShardList(onlyAI proto.Channel) {
	for _, obj := range s.objects {
		if obj.ownerID == 0 {
			continue
		}
		if onlyAI != 0 && obj.aiChannel != onlyAI {
			continue
		}
		s.sendShardList(obj.ownerID)
	}
}

func (s *Server) sendShardList(dst proto.Channel) {
	dg := wire.ServerDatagram(dst, s.cfg.Channel, proto.StateServerGetShardAllResp)
	dg.AddUint16(uint16(len(s.shards)))
	for _, shard := range s.shards {
		dg.AddUint64(shard.Channel)
		dg.AddString(shard.Name)
		dg.AddUint32(shard.Population)
	}
	s.sendDatagram(dg)
}

// handleGenerate creates a state object, unpacking one tuple per required
// field in field-number order, then the other block when present.
func (s *Server) handleGenerate(sender proto.Channel, it *wire.Iterator, hasOther bool) error {
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	parentID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	zoneID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	classNumber, err := it.ReadUint16()
	if err != nil {
		return err
	}

	if _, exists := s.objects[doID]; exists {
		s.log.Info().Uint32("do_id", doID).Msg("object already generated, ignoring")
		return nil
	}
	class, ok := s.catalog.Class(classNumber)
	if !ok {
		s.log.Warn().Uint16("class", classNumber).Uint32("do_id", doID).Msg("unknown class")
		return nil
	}

	obj := &StateObject{
		srv:          s,
		doID:         doID,
		class:        class,
		parentID:     parentID,
		zoneID:       zoneID,
		hasOther:     hasOther,
		required:     make(map[uint16][]byte),
		other:        make(map[uint16][]byte),
		zoneChildren: make(map[uint32][]uint32),
	}
	if _, fromShard := s.shards[sender]; fromShard {
		obj.aiChannel = sender
	}

	for _, f := range class.RequiredFields() {
		packed, err := f.ReadArgs(it)
		if err != nil {
			return fmt.Errorf("required field %q: %w", f.Name, err)
		}
		obj.required[f.Number] = packed
	}
	if hasOther {
		count, err := it.ReadUint16()
		if err != nil {
			return err
		}
		for i := 0; i < int(count); i++ {
			fieldNumber, err := it.ReadUint16()
			if err != nil {
				return err
			}
			f, ok := class.Field(fieldNumber)
			if !ok {
				return fmt.Errorf("other block has unknown field %d", fieldNumber)
			}
			packed, err := f.ReadArgs(it)
			if err != nil {
				return fmt.Errorf("other field %q: %w", f.Name, err)
			}
			if !f.Flags.Is(dc.Ram) {
				continue
			}
			obj.other[f.Number] = packed
		}
	}

	s.objects[doID] = obj
	if err := s.send.Subscribe(obj.channel()); err != nil {
		s.log.Warn().Uint32("do_id", doID).Err(err).Msg("channel subscribe failed")
	}
	if s.metrics != nil {
		s.metrics.Objects.Set(float64(len(s.objects)))
	}
	s.announceLocationChange(obj)
	return nil
}

// announceLocationChange tells the object's previous and current parents
// that it moved; parents update their child index and fan out.
func (s *Server) announceLocationChange(obj *StateObject) {
	if obj.oldParentID != 0 && obj.oldParentID != obj.parentID {
		obj.sendChangingLocation(uint64(obj.oldParentID))
	}
	if obj.parentID != 0 {
		obj.sendChangingLocation(uint64(obj.parentID))
	}
}

// broadcastField fans a field update out to the owners of every object
// under the parent, excluding the object identified by exclude.
func (s *Server) broadcastField(obj *StateObject, sender proto.Channel, fieldNumber uint16, packed []byte, exclude uint32) {
	parent, ok := s.objects[obj.parentID]
	if !ok {
		s.log.Debug().Uint32("do_id", obj.doID).Msg("cannot broadcast field, object has no parent")
		return
	}
	if _, has := parent.zoneOfChild(obj.doID); !has {
		return
	}
	for _, observer := range parent.allZoneObjects() {
		if observer.ownerID == 0 || observer.doID == exclude {
			continue
		}
		obj.sendUpdateField(observer.ownerID, obj.channel(), fieldNumber, packed)
	}
}

// handleForwardedUpdateField accepts OBJECT_UPDATE_FIELD on the well-known
// channel, doId in the payload.
func (s *Server) handleForwardedUpdateField(sender proto.Channel, it *wire.Iterator) error {
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	obj, ok := s.objects[doID]
	if !ok {
		s.log.Debug().Uint32("do_id", doID).Msg("field update for unknown object")
		return nil
	}
	return obj.handleUpdateField(sender, it)
}

func (s *Server) handleDeleteRAM(it *wire.Iterator) error {
	doID, err := it.ReadUint32()
	if err != nil {
		return err
	}
	obj, ok := s.objects[doID]
	if !ok {
		s.log.Debug().Uint32("do_id", doID).Msg("delete for unknown object")
		return nil
	}
	s.removeObject(obj)
	return nil
}

func (s *Server) removeObject(obj *StateObject) {
	if _, ok := s.objects[obj.doID]; !ok {
		return
	}
	obj.destroy()
	delete(s.objects, obj.doID)
	if err := s.send.Unsubscribe(obj.channel()); err != nil {
		s.log.Warn().Uint32("do_id", obj.doID).Err(err).Msg("channel unsubscribe failed")
	}
	if s.metrics != nil {
		s.metrics.Objects.Set(float64(len(s.objects)))
	}
}

// objectList snapshots the registry for iteration orders that mutate it.
func (s *Server) objectList() []*StateObject {
	out := make([]*StateObject, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	return out
}
