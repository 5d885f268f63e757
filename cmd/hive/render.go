package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/serve"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusStyles = map[string]lipgloss.Style{
		string(hive.StatusPending):   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		string(hive.StatusAssigned):  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		string(hive.StatusRunning):   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		string(hive.StatusCompleted): lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		string(hive.StatusFailed):    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		string(hive.StatusCanceled):  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		string(hive.WorkerActive):    lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		string(hive.WorkerBusy):      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		string(hive.WorkerInactive):  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

func styleStatus(s string) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

// renderTable lays rows out in padded columns. Cells may carry ANSI
// styling; widths are measured with lipgloss.Width.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			col := lipgloss.NewStyle().Width(widths[i] + 2)
			if style != nil {
				col = col.Inherit(*style)
			}
			b.WriteString(col.Render(cell))
		}
		b.WriteString("\n")
	}
	line(headers, &headerStyle)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}

func renderSummary(stats serve.StatsResponse) string {
	statuses := []hive.TaskStatus{
		hive.StatusPending, hive.StatusAssigned, hive.StatusRunning,
		hive.StatusCompleted, hive.StatusFailed, hive.StatusCanceled,
	}
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		parts = append(parts, fmt.Sprintf("%s %d", styleStatus(string(st)), stats.Tasks.ByStatus[st]))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("hive: %d tasks, %d queued, %d workers", stats.Tasks.Total, stats.Tasks.Queued, stats.Workers)))
	b.WriteString("\n")
	b.WriteString(strings.Join(parts, "  "))
	b.WriteString("\n")
	if stats.Uptime != "" {
		b.WriteString(mutedStyle.Render("uptime " + stats.Uptime))
		b.WriteString("\n")
	}
	return b.String()
}

func renderWorkers(workers []hive.WorkerInfo, now time.Time) string {
	if len(workers) == 0 {
		return mutedStyle.Render("No workers registered.") + "\n"
	}
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, []string{
			w.ID,
			styleStatus(string(w.Status)),
			strings.Join(w.Capabilities, ","),
			ago(now, w.LastSeen),
		})
	}
	return renderTable([]string{"WORKER", "STATUS", "CAPABILITIES", "LAST SEEN"}, rows)
}

// renderTasks lists tasks newest first.
func renderTasks(tasks []hive.Task, now time.Time) string {
	if len(tasks) == 0 {
		return mutedStyle.Render("No tasks.") + "\n"
	}
	sorted := append([]hive.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	rows := make([][]string, 0, len(sorted))
	for _, t := range sorted {
		rows = append(rows, []string{
			t.ID,
			styleStatus(string(t.Status)),
			fmt.Sprint(t.Priority),
			t.AssignedTo,
			ago(now, t.CreatedAt),
		})
	}
	return renderTable([]string{"TASK", "STATUS", "PRIORITY", "WORKER", "AGE"}, rows)
}

func renderTaskDetail(t hive.Task) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(fmt.Sprintf("%-12s", name+":")), value)
	}
	field("id", t.ID)
	field("status", styleStatus(string(t.Status)))
	field("kind", t.Kind)
	field("priority", fmt.Sprint(t.Priority))
	field("capabilities", strings.Join(t.RequiredCapabilities, ","))
	field("worker", t.AssignedTo)
	field("attempts", fmt.Sprint(t.Attempts))
	if t.Timeout > 0 {
		field("timeout", t.Timeout.String())
	}
	field("created", t.CreatedAt.Format(time.RFC3339))
	field("updated", t.UpdatedAt.Format(time.RFC3339))
	if t.Result != nil {
		field("result", t.Result.String())
	}
	field("error", t.Error)

	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field("param."+k, t.Params[k])
	}
	return b.String()
}

func ago(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	d := now.Sub(then)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// formatEvent renders one streamed event as a single line, colored by
// topic family.
func formatEvent(ev serve.StreamEvent) string {
	topic := ev.Type
	switch {
	case strings.HasSuffix(topic, ":failed"), strings.HasSuffix(topic, ":timeout"),
		strings.HasSuffix(topic, ":expired"), topic == "circuit:failure":
		topic = color.RedString(topic)
	case strings.HasSuffix(topic, ":completed"):
		topic = color.GreenString(topic)
	case strings.HasPrefix(topic, "orchestrator:"):
		topic = color.CyanString(topic)
	case strings.HasPrefix(topic, "discovery:"), strings.HasPrefix(topic, "worker:"):
		topic = color.BlueString(topic)
	default:
		topic = color.YellowString(topic)
	}
	ts := ev.Timestamp.Local().Format("15:04:05.000")
	return fmt.Sprintf("%s %s %s %s", mutedStyle.Render(ts), mutedStyle.Render(fmt.Sprintf("#%d", ev.Seq)), topic, string(ev.Data))
}
