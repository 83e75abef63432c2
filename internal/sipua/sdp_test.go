package sipua

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pion/sdp/v3"
)

func TestBuildOfferIsAudioOnly(t *testing.T) {
	body, err := buildOffer("192.0.2.10", 40000)
	if err != nil {
		t.Fatalf("buildOffer() error = %v", err)
	}
	desc, err := parseSDP(body)
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}

	if len(desc.MediaDescriptions) != 1 {
		t.Fatalf("offer has %d media sections, want 1", len(desc.MediaDescriptions))
	}
	m := desc.MediaDescriptions[0]
	if m.MediaName.Media != "audio" {
		t.Errorf("media = %q, want audio", m.MediaName.Media)
	}
	if m.MediaName.Port.Value != 40000 {
		t.Errorf("port = %d, want 40000", m.MediaName.Port.Value)
	}
	if diff := cmp.Diff(m.MediaName.Formats, []string{"0", "8"}); diff != "" {
		t.Errorf("formats mismatch (-got +want):\n%s", diff)
	}
	if v, ok := m.Attribute("rtpmap"); !ok || v != "0 PCMU/8000" {
		t.Errorf("first rtpmap = %q, want %q", v, "0 PCMU/8000")
	}

	rm, err := selectRemoteMedia(desc)
	if err != nil {
		t.Fatalf("selectRemoteMedia() error = %v", err)
	}
	if diff := cmp.Diff(rm, remoteMedia{Addr: "192.0.2.10", Port: 40000, Codec: codecPCMU}, cmp.AllowUnexported(codec{})); diff != "" {
		t.Errorf("selectRemoteMedia() mismatch (-got +want):\n%s", diff)
	}
}

const audioVideoOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 18 8 0\r\n" +
	"a=rtpmap:18 G729/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 30002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestBuildAnswerRejectsVideo(t *testing.T) {
	offer, err := parseSDP([]byte(audioVideoOffer))
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	rm, err := selectRemoteMedia(offer)
	if err != nil {
		t.Fatalf("selectRemoteMedia() error = %v", err)
	}
	if rm.Codec.Name != "PCMA" {
		t.Errorf("selected codec = %s, want PCMA", rm.Codec.Name)
	}
	if rm.Addr != "198.51.100.7" || rm.Port != 30000 {
		t.Errorf("remote media = %s:%d, want 198.51.100.7:30000", rm.Addr, rm.Port)
	}

	body, err := buildAnswer(offer, "192.0.2.10", 41000, rm.Codec)
	if err != nil {
		t.Fatalf("buildAnswer() error = %v", err)
	}
	answer := &sdp.SessionDescription{}
	if err := answer.Unmarshal(body); err != nil {
		t.Fatalf("Unmarshal(answer) error = %v", err)
	}

	if len(answer.MediaDescriptions) != 2 {
		t.Fatalf("answer has %d media sections, want 2", len(answer.MediaDescriptions))
	}
	audio, video := answer.MediaDescriptions[0], answer.MediaDescriptions[1]
	if audio.MediaName.Port.Value != 41000 {
		t.Errorf("audio port = %d, want 41000", audio.MediaName.Port.Value)
	}
	if diff := cmp.Diff(audio.MediaName.Formats, []string{"8"}); diff != "" {
		t.Errorf("audio formats mismatch (-got +want):\n%s", diff)
	}
	if video.MediaName.Media != "video" || video.MediaName.Port.Value != 0 {
		t.Errorf("video = %s port %d, want rejected with port 0", video.MediaName.Media, video.MediaName.Port.Value)
	}
}

func TestSelectRemoteMediaNoCommonCodec(t *testing.T) {
	offer, err := parseSDP([]byte("v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 18\r\n"))
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	if _, err := selectRemoteMedia(offer); !errors.Is(err, ErrNoAcceptedCodec) {
		t.Errorf("selectRemoteMedia() error = %v, want %v", err, ErrNoAcceptedCodec)
	}
}

func TestParseSDPEmpty(t *testing.T) {
	if _, err := parseSDP(nil); err == nil {
		t.Error("parseSDP(nil) error = nil, want error")
	}
}
