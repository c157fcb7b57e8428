package room

import (
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/adwski/voyeurs/backend/clock"
	"github.com/adwski/voyeurs/backend/model"
	"github.com/adwski/voyeurs/backend/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize     = 64
	defaultWriteDeadline = 5 * time.Second
	defaultEchoTTL       = 3 * time.Second
)

var (
	ErrPeerExists      = errors.New("peer already joined")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrPeerUnreachable = errors.New("peer is unreachable")
)

type (
	// Conn is the outbound half of a peer connection.
	Conn interface {
		io.Writer
		Close() error
		SetWriteDeadline(t time.Time) error
	}

	Config struct {
		Logger        *zerolog.Logger
		Clock         *clock.Clock
		QueueSize     int
		WriteDeadline time.Duration
		EchoTTL       time.Duration
	}

	// Room is the set of connected peers plus the local readiness and
	// echo-suppression state. All access goes through its methods, which
	// serialize on a single lock; sending only enqueues to per-peer writers.
	Room struct {
		logger zerolog.Logger
		clock  *clock.Clock
		mx     *sync.Mutex
		peers  map[string]*peer
		echoes []expectation
		ready  bool

		queueSize     int
		writeDeadline time.Duration
		echoTTL       time.Duration
	}
)

func New(cfg Config) *Room {
	r := &Room{
		logger:        cfg.Logger.With().Str("component", "room").Logger(),
		clock:         cfg.Clock,
		mx:            &sync.Mutex{},
		peers:         make(map[string]*peer),
		queueSize:     cfg.QueueSize,
		writeDeadline: cfg.WriteDeadline,
		echoTTL:       cfg.EchoTTL,
	}
	if r.clock == nil {
		r.clock = clock.New(nil, 0)
	}
	if r.queueSize <= 0 {
		r.queueSize = defaultQueueSize
	}
	if r.writeDeadline <= 0 {
		r.writeDeadline = defaultWriteDeadline
	}
	if r.echoTTL <= 0 {
		r.echoTTL = defaultEchoTTL
	}
	return r
}

// Join registers a half-open peer (no username yet) and starts its writer.
func (r *Room) Join(addr string, conn Conn) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.peers[addr]; ok {
		return ErrPeerExists
	}
	p := newPeer(addr, conn, r.queueSize, &r.logger)
	r.peers[addr] = p
	go p.writeLoop(r.writeDeadline)

	r.logger.Debug().Str("addr", addr).Int("peers", len(r.peers)).Msg("peer joined")
	return nil
}

// Leave removes the peer and stops its writer. Nothing is written to the
// peer after Leave returns.
func (r *Room) Leave(addr string) (model.Participant, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, ok := r.peers[addr]
	if !ok {
		return model.Participant{}, false
	}
	delete(r.peers, addr)
	p.stop()

	r.logger.Debug().
		Str("addr", addr).
		Str("username", p.username).
		Int("peers", len(r.peers)).
		Msg("peer left")
	return p.participant(), true
}

func (r *Room) Unicast(addr string, cmd protocol.Command) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, ok := r.peers[addr]
	if !ok {
		return ErrPeerNotFound
	}
	pkt := r.packet(cmd)
	return r.send(p, protocol.Marshal(pkt), pkt)
}

// Broadcast sends cmd to every peer and returns how many queued it.
func (r *Room) Broadcast(cmd protocol.Command) int {
	return r.BroadcastExcluding(cmd, "")
}

// BroadcastExcluding sends cmd to every peer except the one at addr.
func (r *Room) BroadcastExcluding(cmd protocol.Command, addr string) int {
	r.mx.Lock()
	defer r.mx.Unlock()

	var (
		sent  int
		pkt   = r.packet(cmd)
		frame = protocol.Marshal(pkt)
	)
	for dst, p := range r.peers {
		if dst == addr {
			continue
		}
		if err := r.send(p, frame, pkt); err == nil {
			sent++
		}
	}
	if sent == 0 {
		r.logger.Debug().Stringer("command", cmd).Msg("broadcast did not reach anyone")
	}
	return sent
}

func (r *Room) SetUsername(addr, username string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, ok := r.peers[addr]
	if !ok {
		return ErrPeerNotFound
	}
	p.username = username
	return nil
}

// SetPeerReady records the peer's vote and reports whether playback may
// resume: the local process and every tracked peer are ready.
func (r *Room) SetPeerReady(addr string, ready bool) (bool, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, ok := r.peers[addr]
	if !ok {
		return false, ErrPeerNotFound
	}
	p.ready = ready
	return r.ready && r.allPeersReady(), nil
}

// SetReady records the local vote and reports whether every peer is ready.
func (r *Room) SetReady(ready bool) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.ready = ready
	return r.allPeersReady()
}

func (r *Room) IsReady() bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	return r.ready
}

// RecordLatency adds a sample for the peer and returns its weighted latency.
func (r *Room) RecordLatency(addr string, d time.Duration) (time.Duration, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, ok := r.peers[addr]
	if !ok {
		return 0, ErrPeerNotFound
	}
	p.latency.Add(d)
	return p.latency.Weighted(), nil
}

func (r *Room) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()

	return len(r.peers)
}

func (r *Room) Snapshot() model.Room {
	r.mx.Lock()
	defer r.mx.Unlock()

	snap := model.Room{
		Ready:        r.ready,
		Participants: make([]model.Participant, 0, len(r.peers)),
	}
	for _, p := range r.peers {
		snap.Participants = append(snap.Participants, p.participant())
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].Addr < snap.Participants[j].Addr
	})
	return snap
}

func (r *Room) allPeersReady() bool {
	for _, p := range r.peers {
		if !p.ready {
			return false
		}
	}
	return true
}

func (r *Room) packet(cmd protocol.Command) protocol.Packet {
	return protocol.Packet{Timestamp: r.clock.Timestamp(), Command: cmd}
}

func (r *Room) send(p *peer, frame []byte, pkt protocol.Packet) error {
	if err := p.enqueue(frame); err != nil {
		r.logger.Debug().Err(err).Str("addr", p.addr).Msg("command dropped")
		return err
	}
	if e := r.logger.Trace(); e.Enabled() {
		e.Str("dst", p.addr).Str("packet", protocol.Dump(pkt)).Msg("packet queued")
	} else {
		r.logger.Debug().Str("dst", p.addr).Stringer("command", pkt.Command).Msg("command queued")
	}
	return nil
}
