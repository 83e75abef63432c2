package sipua

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"
)

// remoteMedia is the audio endpoint announced by the remote party.
type remoteMedia struct {
	Addr  string
	Port  int
	Codec codec
}

// offeredFormats lists the payload types offered on outgoing calls in
// order of preference.
var offeredFormats = []string{"0", "8"}

// buildOffer creates an audio-only SDP offer for an outgoing call.
func buildOffer(addr string, port int) ([]byte, error) {
	desc := newSessionDescription(addr)
	desc.MediaDescriptions = []*sdp.MediaDescription{
		audioMedia(port, offeredFormats),
	}
	return errtrace.Wrap2(desc.Marshal())
}

// buildAnswer creates the SDP answer to a remote offer. Only the first audio
// stream is accepted; every other stream is rejected with port 0.
func buildAnswer(offer *sdp.SessionDescription, addr string, port int, selected codec) ([]byte, error) {
	desc := newSessionDescription(addr)

	accepted := false
	for _, m := range offer.MediaDescriptions {
		if m.MediaName.Media == "audio" && !accepted {
			accepted = true
			desc.MediaDescriptions = append(desc.MediaDescriptions,
				audioMedia(port, []string{strconv.Itoa(int(selected.PayloadType))}))
			continue
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.MediaName.Media,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  m.MediaName.Protos,
				Formats: m.MediaName.Formats,
			},
		})
	}
	if !accepted {
		return nil, errtrace.Wrap(ErrNoAcceptedCodec)
	}
	return errtrace.Wrap2(desc.Marshal())
}

func newSessionDescription(addr string) *sdp.SessionDescription {
	id := uint64(time.Now().UnixNano())
	return &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "softphone",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func audioMedia(port int, formats []string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: formats,
		},
		Attributes: codecAttributes(formats),
	}
}

// codecAttributes returns rtpmap, ptime and direction attributes for the
// given payload types.
func codecAttributes(formats []string) []sdp.Attribute {
	var attrs []sdp.Attribute
	for _, format := range formats {
		if c, ok := codecByFormat(format); ok {
			attrs = append(attrs, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%s %s/%d", format, c.Name, c.SampleRate),
			})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// parseSDP unmarshals a session description.
func parseSDP(body []byte) (*sdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, errtrace.Wrap(errors.New("no SDP body"))
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("parse SDP: %w", err))
	}
	return desc, nil
}

// selectRemoteMedia picks the first audio stream of desc and the first of
// its payload types this user agent can decode.
func selectRemoteMedia(desc *sdp.SessionDescription) (remoteMedia, error) {
	idx := slices.IndexFunc(desc.MediaDescriptions, func(m *sdp.MediaDescription) bool {
		return m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0
	})
	if idx < 0 {
		return remoteMedia{}, errtrace.Wrap(errors.New("no audio stream in SDP"))
	}
	media := desc.MediaDescriptions[idx]

	rm := remoteMedia{Port: media.MediaName.Port.Value}
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		rm.Addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		rm.Addr = desc.ConnectionInformation.Address.Address
	}
	if rm.Addr == "" {
		return remoteMedia{}, errtrace.Wrap(errors.New("no connection address in SDP"))
	}

	for _, format := range media.MediaName.Formats {
		if c, ok := codecByFormat(format); ok {
			rm.Codec = c
			return rm, nil
		}
	}
	return remoteMedia{}, errtrace.Wrap(ErrNoAcceptedCodec)
}
