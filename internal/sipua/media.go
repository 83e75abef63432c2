package sipua

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// codec is a G.711 audio codec.
type codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
	silence     byte
}

var (
	codecPCMU = codec{"PCMU", 0, 8000, 20 * time.Millisecond, 0xFF}
	codecPCMA = codec{"PCMA", 8, 8000, 20 * time.Millisecond, 0xD5}
)

func codecByFormat(format string) (codec, bool) {
	pt, err := strconv.Atoi(format)
	if err != nil {
		return codec{}, false
	}
	return codecByPayloadType(uint8(pt))
}

func codecByPayloadType(pt uint8) (codec, bool) {
	switch pt {
	case codecPCMU.PayloadType:
		return codecPCMU, true
	case codecPCMA.PayloadType:
		return codecPCMA, true
	}
	return codec{}, false
}

// SamplesPerFrame returns the number of samples in one frame, 160 for
// 8 kHz with 20 ms frames.
func (c codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// decode converts a G.711 payload to 16-bit little-endian PCM.
func (c codec) decode(payload []byte) []byte {
	if c.PayloadType == codecPCMA.PayloadType {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// silenceFrame returns one frame of encoded silence.
func (c codec) silenceFrame() []byte {
	return bytes.Repeat([]byte{c.silence}, c.SamplesPerFrame())
}

// mediaStream is the RTP leg of an established call. Received G.711 audio
// is decoded into the sink; paced silence is sent to the remote party.
type mediaStream struct {
	conn  net.PacketConn
	sink  io.Writer
	log   *slog.Logger
	codec codec

	mu     sync.Mutex
	remote net.Addr

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// listenMedia opens the local RTP socket of a call.
func listenMedia() (net.PacketConn, int, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, 0, err
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
}

func newMediaStream(conn net.PacketConn, sink io.Writer, logger *slog.Logger) *mediaStream {
	if sink == nil {
		sink = io.Discard
	}
	return &mediaStream{
		conn: conn,
		sink: sink,
		log:  logger,
		stop: make(chan struct{}),
	}
}

// Start begins receiving and sending with the negotiated remote endpoint.
func (m *mediaStream) Start(rm remoteMedia) error {
	remote, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(rm.Addr, strconv.Itoa(rm.Port)))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.remote = remote
	m.codec = rm.Codec
	m.mu.Unlock()

	m.wg.Add(2)
	go m.receive()
	go m.send()

	m.log.Debug("[Media] Stream started",
		"local", m.conn.LocalAddr().String(),
		"remote", remote.String(),
		"codec", rm.Codec.Name,
	)
	return nil
}

// receive decodes incoming G.711 packets into the sink until the socket is
// closed.
func (m *mediaStream) receive() {
	defer m.wg.Done()

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Debug("[Media] Read failed", "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		c, ok := codecByPayloadType(pkt.PayloadType)
		if !ok {
			continue
		}
		if _, err := m.sink.Write(c.decode(pkt.Payload)); err != nil {
			m.log.Warn("[Media] Audio sink write failed", "error", err)
			return
		}
	}
}

// send paces silence frames to the remote party until stopped.
func (m *mediaStream) send() {
	defer m.wg.Done()

	m.mu.Lock()
	remote, c := m.remote, m.codec
	m.mu.Unlock()

	w := newPacedWriter(m.conn, remote, c)
	defer w.Close()

	frame := c.silenceFrame()
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		if _, err := w.Write(frame); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Debug("[Media] Write failed", "error", err)
			}
			return
		}
	}
}

// Close stops the stream and releases the socket. Safe to call more than
// once and before Start.
func (m *mediaStream) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stop)
		err = m.conn.Close()
		m.wg.Wait()
	})
	return err
}

// pacedWriter writes RTP packets on the codec's frame clock.
type pacedWriter struct {
	conn   net.PacketConn
	remote net.Addr
	codec  codec
	ticker *time.Ticker

	ssrc      uint32
	seq       uint16
	timestamp uint32
}

func newPacedWriter(conn net.PacketConn, remote net.Addr, c codec) *pacedWriter {
	return &pacedWriter{
		conn:      conn,
		remote:    remote,
		codec:     c,
		ticker:    time.NewTicker(c.SampleDur),
		ssrc:      randomUint32(),
		seq:       uint16(randomUint32()),
		timestamp: randomUint32(),
	}
}

// Write sends payload as one RTP packet after the next clock tick.
func (w *pacedWriter) Write(payload []byte) (int, error) {
	<-w.ticker.C

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    w.codec.PayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return 0, err
	}

	w.seq++
	w.timestamp += uint32(w.codec.SamplesPerFrame())
	return len(payload), nil
}

func (w *pacedWriter) Close() error {
	w.ticker.Stop()
	return nil
}

// randomUint32 returns a random SSRC, sequence or timestamp start.
func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}
