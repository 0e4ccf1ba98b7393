package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// watchSnapshot mirrors the subset of the /metrics payload the dashboard
// renders; decoded loosely since the health endpoint is a separate
// process and may run a different loadshaper version.
type watchSnapshot struct {
	Current struct {
		CPUPercent      float64  `json:"cpu_percent"`
		CPUAvg          *float64 `json:"cpu_avg"`
		MemoryPercent   float64  `json:"memory_percent"`
		MemoryAvg       *float64 `json:"memory_avg"`
		NetworkPercent  float64  `json:"network_percent"`
		NetworkAvg      *float64 `json:"network_avg"`
		LoadAverage     float64  `json:"load_average"`
		DutyCycle       float64  `json:"duty_cycle"`
		NetworkRateMbit float64  `json:"network_rate_mbit"`
		Paused          bool     `json:"paused"`
	} `json:"current"`
	Targets struct {
		CPUTarget     float64 `json:"cpu_target"`
		MemoryTarget  float64 `json:"memory_target"`
		NetworkTarget float64 `json:"network_target"`
	} `json:"targets"`
	Controller struct {
		State              string   `json:"State"`
		CPUP95             *float64 `json:"CPUP95"`
		CurrentExceedance  float64  `json:"CurrentExceedance"`
		TargetExceedance   float64  `json:"TargetExceedance"`
		SlotsRecorded      int      `json:"SlotsRecorded"`
		SlotsSkippedSafety int      `json:"SlotsSkippedSafety"`
		CurrentSlotIsHigh  bool     `json:"CurrentSlotIsHigh"`
	} `json:"controller"`
	Network struct {
		State            string  `json:"State"`
		RateMbps         float64 `json:"RateMbps"`
		PeerCount        int     `json:"PeerCount"`
		ValidPeerCount   int     `json:"ValidPeerCount"`
		ExternalVerified bool    `json:"ExternalVerified"`
		DegradeReason    string  `json:"DegradeReason"`
	} `json:"network"`
	PercentilesWeek struct {
		CPUP95        *float64 `json:"cpu_p95"`
		MemoryP95     *float64 `json:"memory_p95"`
		NetworkP95    *float64 `json:"network_p95"`
		LoadP95       *float64 `json:"load_p95"`
		SampleCount7d int      `json:"sample_count_7d"`
	} `json:"percentiles_7d"`
}

type tickMsg time.Time

type snapMsg struct {
	snap *watchSnapshot
	err  error
}

// watchModel is the bubbletea model backing -watch: it polls a running
// daemon's /metrics endpoint on an interval and renders a terminal
// dashboard, the same tick-then-collect shape the original interactive
// UI used against its in-process ticker.
type watchModel struct {
	client   *http.Client
	url      string
	interval time.Duration
	count    int // 0 = unbounded

	iteration int
	lastFetch time.Time
	snap      *watchSnapshot
	err       error
	quitting  bool
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchCmd(client *http.Client, url string) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchSnapshot(client, url)
		return snapMsg{snap: snap, err: err}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchCmd(m.client, m.url))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		if m.count > 0 && m.iteration >= m.count {
			m.quitting = true
			return m, tea.Quit
		}
		return m, tea.Batch(tick(m.interval), fetchCmd(m.client, m.url))
	case snapMsg:
		m.iteration++
		m.lastFetch = time.Now()
		m.snap = msg.snap
		m.err = msg.err
		if m.count > 0 && m.iteration >= m.count {
			return m, tea.Quit
		}
		return m, nil
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	ts := m.lastFetch.Format("15:04:05")
	iter := fmt.Sprintf("#%d", m.iteration)
	if m.count > 0 {
		iter = fmt.Sprintf("#%d/%d", m.iteration, m.count)
	}

	out := fmt.Sprintf(" %s  %s  %s\n", titleStyle.Render("loadshaper v"+Version), valueStyle.Render(ts), dimStyle.Render(iter))
	out += hr() + "\n"

	if m.err != nil {
		out += "\n" + critStyle.Render(fmt.Sprintf("unreachable: %v", m.err)) + "\n"
	} else if m.snap == nil {
		out += "\n" + dimStyle.Render("waiting for first sample...") + "\n"
	} else {
		out += renderWatch(m.snap)
	}

	out += "\n" + hr() + "\n"
	out += dimStyle.Render(" q/ctrl+c to quit")
	if m.count > 0 {
		out += dimStyle.Render(fmt.Sprintf("  |  %d/%d", m.iteration, m.count))
	}
	out += "\n"
	return out
}

// runWatch polls a running daemon's health endpoint and renders a
// terminal status dashboard until interrupted or -count is reached.
func runWatch(cfg Config) error {
	addr := cfg.HealthAddr
	if addr == "" || addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}

	m := watchModel{
		client:   &http.Client{Timeout: 3 * time.Second},
		url:      fmt.Sprintf("http://%s/metrics", addr),
		interval: time.Duration(cfg.WatchInterval) * time.Second,
		count:    cfg.WatchCount,
	}

	p := tea.NewProgram(m)
	_, err := p.Run()
	return err
}

func fetchSnapshot(client *http.Client, url string) (*watchSnapshot, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snap watchSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func renderWatch(snap *watchSnapshot) string {
	badge := activeBadgeStyle.Render(" ACTIVE ")
	if snap.Current.Paused {
		badge = stopBadgeStyle.Render(" SAFETY STOP ")
	}

	out := "\n " + badge + "\n\n"

	out += titleLine("UTILIZATION") + "\n"
	out += fmt.Sprintf(" %s  [%s] %s  duty %s\n",
		labelStyle.Render("CPU"), bar(snap.Current.CPUPercent, 30), pctStyle(snap.Current.CPUPercent, 70, 90).Render(fmt.Sprintf("%5.1f%%", snap.Current.CPUPercent)),
		valueStyle.Render(fmt.Sprintf("%.0f%%", snap.Current.DutyCycle*100)))
	out += fmt.Sprintf(" %s  [%s] %s\n",
		labelStyle.Render("MEM"), bar(snap.Current.MemoryPercent, 30), pctStyle(snap.Current.MemoryPercent, 70, 90).Render(fmt.Sprintf("%5.1f%%", snap.Current.MemoryPercent)))
	out += fmt.Sprintf(" %s  [%s] %s  rate %s\n",
		labelStyle.Render("NET"), bar(snap.Current.NetworkPercent, 30), pctStyle(snap.Current.NetworkPercent, 70, 90).Render(fmt.Sprintf("%5.1f%%", snap.Current.NetworkPercent)),
		valueStyle.Render(fmt.Sprintf("%.2f Mbit/s", snap.Current.NetworkRateMbit)))
	out += fmt.Sprintf(" %s %s\n", labelStyle.Render("Load"), valueStyle.Render(fmt.Sprintf("%.2f", snap.Current.LoadAverage)))

	out += "\n" + titleLine("CPU P95 CONTROLLER") + "\n"
	slot := "baseline"
	if snap.Controller.CurrentSlotIsHigh {
		slot = "high"
	}
	out += fmt.Sprintf(" state=%s  slot=%s  exceedance=%.1f%%/%.1f%%  slots=%d",
		labelStyle.Render(snap.Controller.State), slot,
		snap.Controller.CurrentExceedance, snap.Controller.TargetExceedance,
		snap.Controller.SlotsRecorded)
	if snap.Controller.SlotsSkippedSafety > 0 {
		out += "  " + warnStyle.Render(fmt.Sprintf("skipped=%d", snap.Controller.SlotsSkippedSafety))
	}
	out += "\n"
	if snap.Controller.CPUP95 != nil {
		out += fmt.Sprintf(" cpu_p95=%s\n", valueStyle.Render(fmt.Sprintf("%.1f%%", *snap.Controller.CPUP95)))
	}

	out += "\n" + titleLine("NETWORK ACTUATOR") + "\n"
	out += fmt.Sprintf(" state=%s  peers=%d/%d valid  external=%v  rate=%.2f Mbit/s\n",
		labelStyle.Render(snap.Network.State), snap.Network.ValidPeerCount, snap.Network.PeerCount,
		snap.Network.ExternalVerified, snap.Network.RateMbps)
	if snap.Network.DegradeReason != "" {
		out += " " + warnStyle.Render(snap.Network.DegradeReason) + "\n"
	}

	if snap.PercentilesWeek.SampleCount7d > 0 {
		out += "\n" + titleLine("7-DAY PERCENTILES") + "\n"
		out += dimStyle.Render(fmt.Sprintf(" %-10s  %8s", "METRIC", "P95")) + "\n"
		out += " " + hr() + "\n"
		out += printP95("cpu", snap.PercentilesWeek.CPUP95)
		out += printP95("mem", snap.PercentilesWeek.MemoryP95)
		out += printP95("net", snap.PercentilesWeek.NetworkP95)
		out += printP95("load", snap.PercentilesWeek.LoadP95)
		out += dimStyle.Render(fmt.Sprintf(" samples=%d", snap.PercentilesWeek.SampleCount7d)) + "\n"
	}

	return out
}

func printP95(label string, v *float64) string {
	if v == nil {
		return fmt.Sprintf(" %-10s  %s\n", label, dimStyle.Render("n/a"))
	}
	return fmt.Sprintf(" %-10s  %s\n", label, valueStyle.Render(fmt.Sprintf("%6.1f%%", *v)))
}
