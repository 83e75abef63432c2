package sipua

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMediaStreamDecodesIntoSink(t *testing.T) {
	conn, port, err := listenMedia()
	if err != nil {
		t.Fatalf("listenMedia() error = %v", err)
	}
	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer peer.Close()

	sink := &syncBuffer{}
	stream := newMediaStream(conn, sink, discardLogger())
	defer stream.Close()

	peerPort := peer.LocalAddr().(*net.UDPAddr).Port
	if err := stream.Start(remoteMedia{Addr: "127.0.0.1", Port: peerPort, Codec: codecPCMU}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	payload := []byte{0x00, 0x10, 0x7F, 0x80, 0xFE}
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 1, Timestamp: 160, SSRC: 42},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := peer.WriteTo(data, local); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	want := g711.DecodeUlaw(payload)
	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Equal(sink.Bytes(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("sink = %v, want %v", sink.Bytes(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMediaStreamSendsSilence(t *testing.T) {
	conn, _, err := listenMedia()
	if err != nil {
		t.Fatalf("listenMedia() error = %v", err)
	}
	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer peer.Close()

	stream := newMediaStream(conn, nil, discardLogger())
	defer stream.Close()

	peerPort := peer.LocalAddr().(*net.UDPAddr).Port
	if err := stream.Start(remoteMedia{Addr: "127.0.0.1", Port: peerPort, Codec: codecPCMA}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	var got rtp.Packet
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.PayloadType != 8 {
		t.Errorf("PayloadType = %d, want 8", got.PayloadType)
	}
	if !bytes.Equal(got.Payload, codecPCMA.silenceFrame()) {
		t.Errorf("payload is not a %d byte PCMA silence frame", codecPCMA.SamplesPerFrame())
	}
}

func TestMediaStreamCloseBeforeStart(t *testing.T) {
	conn, _, err := listenMedia()
	if err != nil {
		t.Fatalf("listenMedia() error = %v", err)
	}
	stream := newMediaStream(conn, nil, discardLogger())
	if err := stream.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestCodecs(t *testing.T) {
	if got := codecPCMU.SamplesPerFrame(); got != 160 {
		t.Errorf("SamplesPerFrame() = %d, want 160", got)
	}
	if _, ok := codecByFormat("18"); ok {
		t.Error("codecByFormat(18) ok = true, want false")
	}
	if c, ok := codecByFormat("8"); !ok || c.Name != "PCMA" {
		t.Errorf("codecByFormat(8) = %v, %v, want PCMA", c.Name, ok)
	}
	if got := len(codecPCMA.decode([]byte{0xD5, 0xD5})); got != 4 {
		t.Errorf("len(decode(2 bytes)) = %d, want 4", got)
	}
}
