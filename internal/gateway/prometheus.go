package gateway

import (
	"fmt"
	"io"

	"github.com/foremanhq/foreman/internal/reports"
)

// PrometheusExporter renders system snapshots in Prometheus text format.
type PrometheusExporter struct {
	source SnapshotSource
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(source SnapshotSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Write renders the snapshot as Prometheus metrics to the writer.
func (e *PrometheusExporter) Write(w io.Writer, snap *reports.Snapshot) error {
	// --- Queue ---

	writeHelp(w, "foreman_queue_depth", "Number of ready or waiting items in the queue index")
	writeType(w, "foreman_queue_depth", "gauge")
	writeGauge(w, "foreman_queue_depth", float64(snap.Queue.Depth))

	writeHelp(w, "foreman_queue_items", "Number of work items by status")
	writeType(w, "foreman_queue_items", "gauge")
	writeGaugeLabeled(w, "foreman_queue_items", float64(snap.Queue.Pending), "status", "pending")
	writeGaugeLabeled(w, "foreman_queue_items", float64(snap.Queue.Assigned), "status", "assigned")
	writeGaugeLabeled(w, "foreman_queue_items", float64(snap.Queue.Running), "status", "running")
	writeGaugeLabeled(w, "foreman_queue_items", float64(snap.Queue.Completed), "status", "completed")
	writeGaugeLabeled(w, "foreman_queue_items", float64(snap.Queue.Retrying), "status", "retrying")
	writeGaugeLabeled(w, "foreman_queue_items", float64(snap.Queue.Dead), "status", "dead")

	writeHelp(w, "foreman_queue_paused", "Whether the queue is paused (1) or accepting work (0)")
	writeType(w, "foreman_queue_paused", "gauge")
	writeGauge(w, "foreman_queue_paused", boolGauge(snap.Queue.Paused))

	// --- Agents ---

	agentStates := map[string]int{"idle": 0, "busy": 0, "offline": 0}
	for _, agent := range snap.Agents {
		agentStates[agent.State]++
	}
	writeHelp(w, "foreman_agents", "Number of registered agents by state")
	writeType(w, "foreman_agents", "gauge")
	for _, state := range []string{"idle", "busy", "offline"} {
		writeGaugeLabeled(w, "foreman_agents", float64(agentStates[state]), "state", state)
	}

	writeHelp(w, "foreman_agent_assigned_effort", "Effort currently assigned to each agent")
	writeType(w, "foreman_agent_assigned_effort", "gauge")
	for _, agent := range snap.Agents {
		writeGaugeLabeled(w, "foreman_agent_assigned_effort", agent.AssignedEffort, "agent", agent.Name)
	}

	// --- Processes ---

	procStates := map[string]int{}
	for _, proc := range snap.Processes {
		procStates[string(proc.State)]++
	}
	writeHelp(w, "foreman_processes", "Number of supervised processes by state")
	writeType(w, "foreman_processes", "gauge")
	for _, state := range []string{"starting", "running", "stopped", "failed"} {
		writeGaugeLabeled(w, "foreman_processes", float64(procStates[state]), "state", state)
	}

	writeHelp(w, "foreman_process_restarts_total", "Restart count per supervised process")
	writeType(w, "foreman_process_restarts_total", "counter")
	for _, proc := range snap.Processes {
		writeCounterLabeled(w, "foreman_process_restarts_total", int64(proc.Restarts), "process", proc.ID)
	}

	// --- Budget ---

	if snap.Budget != nil {
		writeHelp(w, "foreman_budget_spend_usd", "Spend against budget windows in USD")
		writeType(w, "foreman_budget_spend_usd", "gauge")
		writeGaugeLabeled(w, "foreman_budget_spend_usd", snap.Budget.DailySpent, "window", "daily")
		writeGaugeLabeled(w, "foreman_budget_spend_usd", snap.Budget.MonthlySpent, "window", "monthly")

		writeHelp(w, "foreman_budget_limit_usd", "Budget limits in USD")
		writeType(w, "foreman_budget_limit_usd", "gauge")
		writeGaugeLabeled(w, "foreman_budget_limit_usd", snap.Budget.DailyLimit, "window", "daily")
		writeGaugeLabeled(w, "foreman_budget_limit_usd", snap.Budget.MonthlyLimit, "window", "monthly")

		writeHelp(w, "foreman_budget_paused", "Whether the budget enforcer has paused work (1) or not (0)")
		writeType(w, "foreman_budget_paused", "gauge")
		writeGauge(w, "foreman_budget_paused", boolGauge(snap.Budget.IsPaused))
	}

	// --- Cost watchdog ---

	if snap.Cost != nil {
		writeHelp(w, "foreman_cost_month_to_date_usd", "Last observed month-to-date cloud spend in USD")
		writeType(w, "foreman_cost_month_to_date_usd", "gauge")
		writeGauge(w, "foreman_cost_month_to_date_usd", snap.Cost.LastSpend)

		writeHelp(w, "foreman_cost_window_delta_usd", "Spend increase over the watchdog window in USD")
		writeType(w, "foreman_cost_window_delta_usd", "gauge")
		writeGauge(w, "foreman_cost_window_delta_usd", snap.Cost.WindowDelta)

		writeHelp(w, "foreman_cost_tripped", "Whether the cost watchdog has tripped (1) or not (0)")
		writeType(w, "foreman_cost_tripped", "gauge")
		writeGauge(w, "foreman_cost_tripped", boolGauge(snap.Cost.Tripped))
	}

	return nil
}

// writeHelp writes a HELP line for a metric.
func writeHelp(w io.Writer, name, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
}

// writeType writes a TYPE line for a metric.
func writeType(w io.Writer, name, metricType string) {
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
}

// writeGauge writes an unlabeled gauge metric line.
func writeGauge(w io.Writer, name string, value float64) {
	_, _ = fmt.Fprintf(w, "%s %g\n", name, value)
}

// writeGaugeLabeled writes a gauge metric with labels.
func writeGaugeLabeled(w io.Writer, name string, value float64, labelPairs ...string) {
	_, _ = fmt.Fprintf(w, "%s{%s} %g\n", name, formatLabels(labelPairs), value)
}

// writeCounterLabeled writes a counter metric with labels.
func writeCounterLabeled(w io.Writer, name string, value int64, labelPairs ...string) {
	_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, formatLabels(labelPairs), value)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// formatLabels formats label key-value pairs for Prometheus output.
func formatLabels(pairs []string) string {
	result := ""
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			result += ","
		}
		result += fmt.Sprintf("%s=\"%s\"", pairs[i], escapeLabel(pairs[i+1]))
	}
	return result
}

// escapeLabel escapes special characters in label values.
func escapeLabel(s string) string {
	result := ""
	for _, c := range s {
		switch c {
		case '\\':
			result += "\\\\"
		case '"':
			result += "\\\""
		case '\n':
			result += "\\n"
		default:
			result += string(c)
		}
	}
	return result
}
