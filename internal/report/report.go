// Package report renders a session result as terminal tables or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/NodePath81/netbeat/internal/client"
	"github.com/NodePath81/netbeat/internal/config"
	"github.com/NodePath81/netbeat/internal/metrics"
)

const (
	PingTitle     = "🏓 Ping Report"
	UploadTitle   = "⬆️ Upload Report"
	DownloadTitle = "⬇️ Download Report"
	TCPTitle      = "🔌 TCP Report"
)

var (
	primaryColor = lipgloss.Color("39")
	accentColor  = lipgloss.Color("214")
	mutedColor   = lipgloss.Color("243")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			Padding(0, 1)

	valueStyle = lipgloss.NewStyle().
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// Row is one description/value line of a report.
type Row struct {
	Desc  string
	Value string
}

// Section is a titled group of rows.
type Section struct {
	Title string
	Key   string
	Rows  []Row
}

func PingRows(s metrics.PingStats) []Row {
	return []Row{
		{"Packets sent", fmt.Sprintf("%d", s.Sent)},
		{"Packets received", fmt.Sprintf("%d", s.Received)},
		{"Packet loss", fmt.Sprintf("%.1f%%", s.Loss)},
		{"Minimum ping", formatRTT(s.Min)},
		{"Maximum ping", formatRTT(s.Max)},
		{"Average ping", formatRTT(s.Avg)},
		{"Jitter", formatRTT(s.Jitter)},
	}
}

// TransferRows describes one transfer phase; verb is "Uploaded" or
// "Downloaded".
func TransferRows(verb string, t metrics.Transfer) []Row {
	return []Row{
		{verb, fmt.Sprintf("%s (%s bytes)", humanize.IBytes(t.Bytes), humanize.Comma(int64(t.Bytes)))},
		{"Time", fmt.Sprintf("%.2f s", t.Elapsed.Seconds())},
		{"Speed", fmt.Sprintf("%.2f MB/s, %.2f Mbps", t.MegabytesPerSecond(), t.Mbps())},
	}
}

func TCPRows(s metrics.TCPStats) []Row {
	return []Row{
		{"Smoothed RTT", formatRTT(s.RTT)},
		{"RTT variance", formatRTT(s.RTTVar)},
		{"Retransmits", fmt.Sprintf("%d (%.2f%%)", s.Retransmits, s.RetransmitRate()*100)},
		{"Segments out", humanize.Comma(int64(s.SegmentsOut))},
		{"Congestion window", fmt.Sprintf("%d segments", s.SndCwnd)},
		{"MSS", humanize.IBytes(uint64(s.SndMSS))},
	}
}

// Sections lists the report sections for res in display order. The TCP
// section only appears when kernel statistics were collected.
func Sections(res client.Result) []Section {
	sections := []Section{
		{Title: PingTitle, Key: "ping", Rows: PingRows(res.Ping)},
		{Title: UploadTitle, Key: "upload", Rows: TransferRows("Uploaded", res.Upload)},
		{Title: DownloadTitle, Key: "download", Rows: TransferRows("Downloaded", res.Download)},
	}
	if res.TCP != nil {
		sections = append(sections, Section{Title: TCPTitle, Key: "tcp", Rows: TCPRows(*res.TCP)})
	}
	return sections
}

// Render writes the human readable report.
func Render(w io.Writer, res client.Result, target config.Target) error {
	var b strings.Builder
	fmt.Fprintf(&b, "netbeat %s → %s (%s, session %s)\n", res.Version, res.Server, target, res.ID)
	for _, section := range Sections(res) {
		b.WriteString(titleStyle.Render(section.Title))
		b.WriteString("\n")
		b.WriteString(renderTable(section.Rows))
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderTable(rows []Row) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return labelStyle
			}
			return valueStyle
		})
	for _, r := range rows {
		t.Row(r.Desc, r.Value)
	}
	return t.String()
}

// Document is the JSON form of a report.
type Document struct {
	ID       string            `json:"id"`
	Server   string            `json:"server"`
	Target   string            `json:"target"`
	Version  string            `json:"version"`
	Started  time.Time         `json:"started"`
	Ping     map[string]string `json:"ping"`
	Upload   map[string]string `json:"upload"`
	Download map[string]string `json:"download"`
	TCP      map[string]string `json:"tcp,omitempty"`
}

func NewDocument(res client.Result, target config.Target) Document {
	doc := Document{
		ID:      res.ID,
		Server:  res.Server,
		Target:  target.String(),
		Version: res.Version,
		Started: res.Started,
	}
	for _, section := range Sections(res) {
		m := toMap(section.Rows)
		switch section.Key {
		case "ping":
			doc.Ping = m
		case "upload":
			doc.Upload = m
		case "download":
			doc.Download = m
		case "tcp":
			doc.TCP = m
		}
	}
	return doc
}

// RenderJSON writes the report as one indented JSON object.
func RenderJSON(w io.Writer, res client.Result, target config.Target) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewDocument(res, target))
}

func toMap(rows []Row) map[string]string {
	m := make(map[string]string, len(rows))
	for _, r := range rows {
		m[r.Desc] = r.Value
	}
	return m
}

func formatRTT(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}
