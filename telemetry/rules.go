package telemetry

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleThresholds parameterizes the alert rule contract
type RuleThresholds struct {
	Namespace            string
	LagWarning           time.Duration
	LagCritical          time.Duration
	ErrorRateWarning     float64
	ErrorRateCritical    float64
	ErrorWindow          time.Duration
	LowThroughput        float64 // events per second
	LowThroughputWindow  time.Duration
	DiscrepancyThreshold int64
}

// AlertRule is one Prometheus alerting rule
type AlertRule struct {
	Alert       string            `yaml:"alert" json:"alert"`
	Expr        string            `yaml:"expr" json:"expr"`
	For         string            `yaml:"for,omitempty" json:"for,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// RuleGroup is a named group of rules
type RuleGroup struct {
	Name  string      `yaml:"name" json:"name"`
	Rules []AlertRule `yaml:"rules" json:"rules"`
}

// RuleFile is the top level of a Prometheus rule file
type RuleFile struct {
	Groups []RuleGroup `yaml:"groups" json:"groups"`
}

// AlertRules builds the rule set evaluated externally against this engine's
// metrics. The engine only exposes the signals.
func AlertRules(t RuleThresholds) RuleFile {
	ns := t.Namespace
	if ns == "" {
		ns = "cdcsync"
	}
	metric := func(name string) string { return ns + "_" + name }
	window := promDuration(t.ErrorWindow)

	errorRate := fmt.Sprintf(
		`sum(rate(%s{status="failure"}[%s])) / clamp_min(sum(rate(%s[%s])), 1e-9)`,
		metric("sink_results_total"), window, metric("sink_results_total"), window)

	rules := []AlertRule{
		{
			Alert:  "CDCSyncLagWarning",
			Expr:   fmt.Sprintf("max by (table) (%s) > %g", metric("sync_lag_seconds"), t.LagWarning.Seconds()),
			For:    "2m",
			Labels: severity("warning"),
			Annotations: map[string]string{
				"summary": "Sync lag for {{ $labels.table }} is {{ $value | humanizeDuration }}",
			},
		},
		{
			Alert:  "CDCSyncLagCritical",
			Expr:   fmt.Sprintf("max by (table) (%s) > %g", metric("sync_lag_seconds"), t.LagCritical.Seconds()),
			For:    "1m",
			Labels: severity("critical"),
			Annotations: map[string]string{
				"summary": "Sync lag for {{ $labels.table }} is {{ $value | humanizeDuration }}",
			},
		},
		{
			Alert:  "CDCSyncErrorRateWarning",
			Expr:   fmt.Sprintf("%s > %g", errorRate, t.ErrorRateWarning),
			For:    "5m",
			Labels: severity("warning"),
			Annotations: map[string]string{
				"summary": "Sink delivery error rate is {{ $value | humanizePercentage }}",
			},
		},
		{
			Alert:  "CDCSyncErrorRateCritical",
			Expr:   fmt.Sprintf("%s > %g", errorRate, t.ErrorRateCritical),
			For:    "2m",
			Labels: severity("critical"),
			Annotations: map[string]string{
				"summary": "Sink delivery error rate is {{ $value | humanizePercentage }}",
			},
		},
		{
			Alert:  "CDCSyncSinkUnavailable",
			Expr:   fmt.Sprintf("%s == 0", metric("sink_up")),
			For:    "1m",
			Labels: severity("critical"),
			Annotations: map[string]string{
				"summary": "Sink {{ $labels.sink }} is unreachable",
			},
		},
		{
			Alert:  "CDCSyncSourceUnavailable",
			Expr:   fmt.Sprintf("%s == 0", metric("source_up")),
			For:    "1m",
			Labels: severity("critical"),
			Annotations: map[string]string{
				"summary": "Change source cannot be read",
			},
		},
		{
			Alert:  "CDCSyncSequenceGap",
			Expr:   fmt.Sprintf(`increase(%s{table=%q,error_kind=%q}[1h]) > 0`, metric("errors_total"), SourceLabel, ErrorKindGap),
			Labels: severity("warning"),
			Annotations: map[string]string{
				"summary": "Change-log sequences were skipped after the gap grace period",
			},
		},
		{
			Alert: "CDCSyncLowThroughput",
			Expr: fmt.Sprintf("sum(rate(%s[%s])) < %g",
				metric("events_processed_total"), promDuration(t.LowThroughputWindow), t.LowThroughput),
			For:    promDuration(t.LowThroughputWindow),
			Labels: severity("warning"),
			Annotations: map[string]string{
				"summary": "Almost no change events processed while activity is expected",
			},
		},
		{
			Alert:  "CDCSyncConsistencyDrift",
			Expr:   fmt.Sprintf("abs(%s) > %d", metric("consistency_discrepancy"), t.DiscrepancyThreshold),
			Labels: severity("warning"),
			Annotations: map[string]string{
				"summary": "{{ $labels.sink }} differs from the primary store for {{ $labels.table }} by {{ $value }} rows",
			},
		},
		{
			Alert:  "CDCSyncConsistencyUnknown",
			Expr:   fmt.Sprintf("%s == 1", metric("consistency_unknown")),
			Labels: severity("info"),
			Annotations: map[string]string{
				"summary": "Consistency check for {{ $labels.table }} on {{ $labels.sink }} could not obtain a count",
			},
		},
	}

	return RuleFile{Groups: []RuleGroup{{Name: ns, Rules: rules}}}
}

// RenderRules renders the rule set as a Prometheus rule file
func RenderRules(t RuleThresholds) ([]byte, error) {
	out, err := yaml.Marshal(AlertRules(t))
	if err != nil {
		return nil, fmt.Errorf("failed to render alert rules: %w", err)
	}
	return out, nil
}

func severity(level string) map[string]string {
	return map[string]string{"severity": level}
}

// promDuration formats d in Prometheus duration syntax
func promDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "5m"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", int64(d.Round(time.Second)/time.Second))
	}
}
