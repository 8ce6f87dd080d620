package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metrics names.
	MetricNameBuildInfo           = "netpoke_build_info"
	MetricNameActiveSessions      = "netpoke_active_sessions"
	MetricNameProbesSent          = "netpoke_probes_sent_total"
	MetricNameProbesReceived      = "netpoke_probes_received_total"
	MetricNameSendErrors          = "netpoke_send_errors_total"
	MetricNameICMPErrorsMatched   = "netpoke_icmp_errors_matched_total"
	MetricNameICMPErrorsUnmatched = "netpoke_icmp_errors_unmatched_total"
	MetricNameICMPParseFailures   = "netpoke_icmp_parse_failures_total"
	MetricNameOrphanCleanups      = "netpoke_orphan_cleanups_total"

	// Labels.
	LabelVersion = "version"
	LabelCommit  = "commit"
	LabelDate    = "date"
	LabelChannel = "channel"
	LabelErrno   = "errno"

	// Send error classes.
	ErrnoInvalid     = "einval"
	ErrnoMsgTooBig   = "emsgsize"
	ErrnoUnreachable = "enetunreach"
	ErrnoOther       = "other"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the netpoke server",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameActiveSessions,
			Help: "Number of live measurement sessions",
		},
	)

	ProbesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameProbesSent,
			Help: "Packets emitted per data channel",
		},
		[]string{LabelChannel},
	)

	ProbesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameProbesReceived,
			Help: "Packets received per data channel",
		},
		[]string{LabelChannel},
	)

	SendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSendErrors,
			Help: "sendmsg failures by errno class",
		},
		[]string{LabelErrno},
	)

	ICMPErrorsMatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameICMPErrorsMatched,
			Help: "ICMP error returns correlated to a tracked probe",
		},
	)

	ICMPErrorsUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameICMPErrorsUnmatched,
			Help: "ICMP error returns with no matching tracked probe",
		},
	)

	ICMPParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameICMPParseFailures,
			Help: "ICMP messages dropped as unparseable",
		},
	)

	OrphanCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameOrphanCleanups,
			Help: "Session cleanups triggered by unmatched ICMP errors",
		},
	)
)
