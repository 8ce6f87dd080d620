package signaling

import (
	"fmt"
	"net"

	"github.com/pion/sdp/v3"
)

// Custom attributes carried in the answer. The record secret rides in the
// SDP because signalling runs over the authenticated HTTPS front; it never
// appears on the media path.
const (
	attrVTag   = "netpoke-vtag"
	attrSecret = "netpoke-secret"
)

// offer is the subset of the client's SDP the core needs.
type offer struct {
	desc *sdp.SessionDescription
}

// parseOffer validates that the offer carries a data-channel application
// media section.
func parseOffer(raw string) (*offer, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("unmarshal SDP: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "application" {
			return &offer{desc: &desc}, nil
		}
	}
	return nil, fmt.Errorf("offer has no application media section")
}

type answerParams struct {
	Offer        *offer
	SessionID    string
	IP           net.IP
	Port         int
	VTag         uint32
	MasterSecret string
}

// buildAnswer constructs the ICE-lite answer: one host candidate on the
// session socket plus the transport parameters the client stack needs.
func buildAnswer(p answerParams) (string, error) {
	addrType := "IP4"
	if p.IP.To4() == nil {
		addrType = "IP6"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(p.VTag),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: p.IP.String(),
		},
		SessionName: "netpoke",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []sdp.Attribute{
			sdp.NewPropertyAttribute("ice-lite"),
			sdp.NewAttribute(attrVTag, fmt.Sprintf("%d", p.VTag)),
			sdp.NewAttribute(attrSecret, p.MasterSecret),
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "application",
					Port:    sdp.RangedPort{Value: p.Port},
					Protos:  []string{"UDP", "DTLS", "SCTP"},
					Formats: []string{"webrtc-datachannel"},
				},
				ConnectionInformation: &sdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: addrType,
					Address:     &sdp.Address{Address: p.IP.String()},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("candidate",
						fmt.Sprintf("1 1 udp 2130706431 %s %d typ host", p.IP.String(), p.Port)),
					sdp.NewAttribute("mid", "0"),
				},
			},
		},
	}

	b, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}
	return string(b), nil
}
