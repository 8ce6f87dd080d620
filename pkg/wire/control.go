package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownControlType is returned for control envelopes whose type tag is
// not part of the protocol.
var ErrUnknownControlType = errors.New("unknown control message type")

// ControlType tags the control-channel message union.
type ControlType string

const (
	TypeStartTraceroute    ControlType = "start_traceroute"
	TypeStopTraceroute     ControlType = "stop_traceroute"
	TypeTraceHop           ControlType = "trace_hop"
	TypeTraceComplete      ControlType = "trace_complete"
	TypeStartMtuTraceroute ControlType = "start_mtu_traceroute"
	TypeMtuHop             ControlType = "mtu_hop"
	TypeMtuComplete        ControlType = "mtu_complete"
	TypeStartServerTraffic ControlType = "start_server_traffic"
	TypeStopServerTraffic  ControlType = "stop_server_traffic"
	TypeStartProbeStreams  ControlType = "start_probe_streams"
	TypeStopProbeStreams   ControlType = "stop_probe_streams"
	TypeProbeStats         ControlType = "probe_stats"
	TypeStartSurveySession ControlType = "start_survey_session"
)

// ControlMessage is implemented by every member of the control union.
type ControlMessage interface {
	ControlType() ControlType
}

type StartTraceroute struct{}
type StopTraceroute struct{}
type StartMtuTraceroute struct{}
type MtuComplete struct{}
type TraceComplete struct{}
type StartServerTraffic struct{}
type StopServerTraffic struct{}
type StartProbeStreams struct{}
type StopProbeStreams struct{}

// TraceHop reports one traceroute hop correlated from an ICMP Time-Exceeded.
type TraceHop struct {
	Hop      int     `json:"hop"`
	RouterIP string  `json:"router_ip"`
	RTTMS    float64 `json:"rtt_ms"`
}

// MtuHop reports a path-MTU constraint discovered at a given probe size.
type MtuHop struct {
	Size       int     `json:"size"`
	NextHopMTU int     `json:"next_hop_mtu"`
	RouterIP   string  `json:"router_ip"`
	RTTMS      float64 `json:"rtt_ms"`
}

// WindowStats is one rolling statistics window for one direction.
type WindowStats struct {
	DelayAvgMS    float64 `json:"delay_avg_ms"`
	JitterMS      float64 `json:"jitter_ms"`
	LossRate      float64 `json:"loss_rate"`
	ReorderRate   float64 `json:"reorder_rate"`
	ThroughputBPS float64 `json:"throughput_bps"`
}

// DirectionStats aggregates the 1 s / 10 s / 60 s windows for one direction.
type DirectionStats struct {
	W1s  WindowStats `json:"w1s"`
	W10s WindowStats `json:"w10s"`
	W60s WindowStats `json:"w60s"`
}

// ProbeStats is the periodic statistics report published on the control
// channel.
type ProbeStats struct {
	ConnID      string         `json:"conn_id"`
	TimestampMS uint64         `json:"timestamp_ms"`
	C2S         DirectionStats `json:"c2s"`
	S2C         DirectionStats `json:"s2c"`
}

// StartSurveySession attaches a survey session to the connection; the id is
// carried on every subsequent control message so out-of-core services
// (capture, keylog, upload) can correlate.
type StartSurveySession struct {
	SurveySessionID string `json:"survey_session_id"`
}

func (StartTraceroute) ControlType() ControlType    { return TypeStartTraceroute }
func (StopTraceroute) ControlType() ControlType     { return TypeStopTraceroute }
func (TraceHop) ControlType() ControlType           { return TypeTraceHop }
func (TraceComplete) ControlType() ControlType      { return TypeTraceComplete }
func (StartMtuTraceroute) ControlType() ControlType { return TypeStartMtuTraceroute }
func (MtuHop) ControlType() ControlType             { return TypeMtuHop }
func (MtuComplete) ControlType() ControlType        { return TypeMtuComplete }
func (StartServerTraffic) ControlType() ControlType { return TypeStartServerTraffic }
func (StopServerTraffic) ControlType() ControlType  { return TypeStopServerTraffic }
func (StartProbeStreams) ControlType() ControlType  { return TypeStartProbeStreams }
func (StopProbeStreams) ControlType() ControlType   { return TypeStopProbeStreams }
func (ProbeStats) ControlType() ControlType         { return TypeProbeStats }
func (StartSurveySession) ControlType() ControlType { return TypeStartSurveySession }

// envelope is the on-wire frame around every control message.
type envelope struct {
	Type            ControlType     `json:"type"`
	SurveySessionID string          `json:"survey_session_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// MarshalControl frames msg. surveyID is attached when a survey is active and
// empty otherwise.
func MarshalControl(msg ControlMessage, surveyID string) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// Empty-struct members frame as a bare tag.
	if string(payload) == "{}" {
		payload = nil
	}
	return json.Marshal(envelope{
		Type:            msg.ControlType(),
		SurveySessionID: surveyID,
		Payload:         payload,
	})
}

// UnmarshalControl decodes an envelope into its concrete member, returning
// the message and the survey session id it carried.
func UnmarshalControl(b []byte) (ControlMessage, string, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}

	var msg ControlMessage
	switch env.Type {
	case TypeStartTraceroute:
		msg = StartTraceroute{}
	case TypeStopTraceroute:
		msg = StopTraceroute{}
	case TypeTraceComplete:
		msg = TraceComplete{}
	case TypeStartMtuTraceroute:
		msg = StartMtuTraceroute{}
	case TypeMtuComplete:
		msg = MtuComplete{}
	case TypeStartServerTraffic:
		msg = StartServerTraffic{}
	case TypeStopServerTraffic:
		msg = StopServerTraffic{}
	case TypeStartProbeStreams:
		msg = StartProbeStreams{}
	case TypeStopProbeStreams:
		msg = StopProbeStreams{}
	case TypeTraceHop:
		msg = TraceHop{}
	case TypeMtuHop:
		msg = MtuHop{}
	case TypeProbeStats:
		msg = ProbeStats{}
	case TypeStartSurveySession:
		msg = StartSurveySession{}
	default:
		return nil, "", fmt.Errorf("%q: %w", env.Type, ErrUnknownControlType)
	}

	if len(env.Payload) > 0 {
		// Decode into an addressable copy of the zero member.
		switch m := msg.(type) {
		case TraceHop:
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				return nil, "", fmt.Errorf("%w: %w", ErrInvalidPacket, err)
			}
			msg = m
		case MtuHop:
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				return nil, "", fmt.Errorf("%w: %w", ErrInvalidPacket, err)
			}
			msg = m
		case ProbeStats:
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				return nil, "", fmt.Errorf("%w: %w", ErrInvalidPacket, err)
			}
			msg = m
		case StartSurveySession:
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				return nil, "", fmt.Errorf("%w: %w", ErrInvalidPacket, err)
			}
			msg = m
		}
	}

	return msg, env.SurveySessionID, nil
}
