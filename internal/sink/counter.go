// Package sink holds the consumers a connected camera's media is handed to.
package sink

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"

	"rovercam/internal/session"
)

// Stats is a snapshot of what a sink has received since it was created.
type Stats struct {
	Attached   bool      `json:"attached"`
	Codec      string    `json:"codec,omitempty"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	LastPacket time.Time `json:"last_packet,omitempty"`
}

// Counter drains RTP from the attached stream and keeps running totals.
// It can be attached again after Detach; totals carry over.
type Counter struct {
	log logging.LeveledLogger

	// open, when set, returns a writer that receives every packet read.
	open func(stream session.Stream) (media.Writer, error)

	packets atomic.Uint64
	bytes   atomic.Uint64
	last    atomic.Int64

	mu    sync.Mutex
	codec string
	stop  chan struct{}
}

func NewCounter(loggerFactory logging.LoggerFactory) *Counter {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Counter{log: loggerFactory.NewLogger("sink")}
}

// Attach starts reading stream in the background. A stream attached while
// another is still attached replaces it.
func (c *Counter) Attach(stream session.Stream) {
	stop := make(chan struct{})

	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
	}
	c.stop = stop
	c.codec = stream.Codec().MimeType
	c.mu.Unlock()

	var w media.Writer
	if c.open != nil {
		var err error
		if w, err = c.open(stream); err != nil {
			c.log.Warnf("not recording stream %s: %v", stream.ID(), err)
			w = nil
		}
	}

	go c.drain(stream, stop, w)
}

// Detach stops counting. It does not wait for a blocked read; the reader
// exits once the stream ends or delivers its next packet.
func (c *Counter) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Counter) Stats() Stats {
	c.mu.Lock()
	st := Stats{Attached: c.stop != nil, Codec: c.codec}
	c.mu.Unlock()

	st.Packets = c.packets.Load()
	st.Bytes = c.bytes.Load()
	if ns := c.last.Load(); ns != 0 {
		st.LastPacket = time.Unix(0, ns)
	}
	return st
}

func (c *Counter) drain(stream session.Stream, stop <-chan struct{}, w media.Writer) {
	if w != nil {
		defer func() {
			if err := w.Close(); err != nil {
				c.log.Warnf("closing recording for stream %s: %v", stream.ID(), err)
			}
		}()
	}

	for {
		pkt, _, err := stream.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debugf("stream %s read ended: %v", stream.ID(), err)
			}
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		c.record(pkt)
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				c.log.Warnf("recording stream %s: %v", stream.ID(), err)
				_ = w.Close()
				w = nil
			}
		}
	}
}

func (c *Counter) record(pkt *rtp.Packet) {
	c.packets.Add(1)
	c.bytes.Add(uint64(pkt.MarshalSize()))
	c.last.Store(time.Now().UnixNano())
}
