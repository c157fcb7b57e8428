package room

import (
	"sync/atomic"
	"time"

	"github.com/adwski/voyeurs/backend/clock"
	"github.com/adwski/voyeurs/backend/model"
	"github.com/rs/zerolog"
)

type peer struct {
	logger   zerolog.Logger
	conn     Conn
	tx       chan []byte
	done     chan struct{}
	latency  *clock.Window
	addr     string
	username string
	ready    bool
	dead     atomic.Bool
}

func newPeer(addr string, conn Conn, queueSize int, logger *zerolog.Logger) *peer {
	return &peer{
		logger:  logger.With().Str("addr", addr).Logger(),
		conn:    conn,
		tx:      make(chan []byte, queueSize),
		done:    make(chan struct{}),
		latency: clock.NewWindow(),
		addr:    addr,
	}
}

// enqueue never blocks. A full queue means the peer cannot keep up: its
// connection is closed so that its session tears it down.
func (p *peer) enqueue(frame []byte) error {
	if p.dead.Load() {
		return ErrPeerUnreachable
	}
	select {
	case p.tx <- frame:
		return nil
	default:
		p.kill("outbound queue is full")
		return ErrPeerUnreachable
	}
}

func (p *peer) kill(reason string) {
	if p.dead.Swap(true) {
		return
	}
	p.logger.Warn().Str("reason", reason).Msg("peer is unreachable, closing connection")
	_ = p.conn.Close()
}

func (p *peer) stop() {
	p.dead.Store(true)
	close(p.done)
}

func (p *peer) writeLoop(deadline time.Duration) {
	defer p.logger.Debug().Msg("writer stopped")
WriteLoop:
	for {
		select {
		case <-p.done:
			break WriteLoop
		case frame := <-p.tx:
			select {
			case <-p.done:
				break WriteLoop
			default:
			}
			if err := p.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
				p.logger.Error().Err(err).Msg("failed to set write deadline")
				p.kill("write deadline")
				break WriteLoop
			}
			if _, err := p.conn.Write(frame); err != nil {
				p.logger.Error().Err(err).Msg("failed to write frame")
				p.kill("write failed")
				break WriteLoop
			}
		}
	}
}

func (p *peer) participant() model.Participant {
	return model.Participant{
		Addr:          p.addr,
		Username:      p.username,
		Ready:         p.ready,
		LatencyMillis: p.latency.Weighted().Milliseconds(),
	}
}
