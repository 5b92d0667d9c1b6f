package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/gwillem/armbus/pkg/robot"
	"github.com/gwillem/armbus/pkg/teleop"
)

type TeleoperateCommand struct {
	Hz     int  `long:"hz" description:"Control loop frequency (defaults to the configured rate)"`
	Mirror bool `long:"mirror" description:"Mirror mode: invert the configured mirror joints (shoulder_pan and wrist_roll by default)"`
	Plain  bool `long:"plain" description:"Log controller output instead of drawing the chart"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Joint colors by position on the bus: red, orange, yellow, green, cyan, magenta.
var jointColors = []string{"196", "208", "226", "46", "51", "201"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func jointColor(i int) string {
	return jointColors[i%len(jointColors)]
}

type teleopModel struct {
	ctrl          *teleop.Controller
	chart         *streamlinechart.Model
	joints        int
	width         int      // terminal width
	height        int      // terminal height
	logs          []string // last N log messages
	quitting      bool
	lastPositions []float64 // previous reading, to detect movement
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement checks if any joint has moved since the last reading.
func (m *teleopModel) hasMovement(positions []float64) bool {
	if len(m.lastPositions) != len(positions) {
		return true
	}
	for i, pos := range positions {
		if pos != m.lastPositions[i] {
			return true
		}
	}
	return false
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialTeleopModel(ctrl *teleop.Controller, joints int) teleopModel {
	lo, hi := calibration.Range(calibration.Entry{Min: 0, Max: calibration.MaxRaw}, calibration.Normalized)
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(lo, hi),
	)

	for i := 0; i < joints; i++ {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColor(i)))
		chart.SetDataSetStyles(robot.JointName(i), runes.ThinLineStyle, style)
	}

	return teleopModel{
		ctrl:   ctrl,
		chart:  &chart,
		joints: joints,
	}
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		state := teleop.State(msg)
		if state.Positions != nil {
			values := state.Positions.Values()
			// Only update chart if there's movement (freeze when idle)
			if m.hasMovement(values) {
				for i, v := range values {
					m.chart.PushDataSet(robot.JointName(i), v)
				}
				m.chart.DrawAll()
				m.lastPositions = values
			}
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("armbus teleoperate"))
	sb.WriteString(fmt.Sprintf(" - %d Hz", m.ctrl.Hz()))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend(m.joints))
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend(joints int) string {
	items := make([]string, 0, joints)
	for i := 0; i < joints; i++ {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColor(i))).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+robot.JointName(i))
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Leader.Port == "" || cfg.Follower.Port == "" {
		return errors.New("arms not configured, run 'armbus setup' first")
	}
	if !cfg.Leader.IsCalibrated() || !cfg.Follower.IsCalibrated() {
		return errors.New("arms not calibrated, run 'armbus setup' first")
	}

	logrus.WithFields(cfg.Leader.LogrusFields()).Debug("leader")
	logrus.WithFields(cfg.Follower.LogrusFields()).Debug("follower")

	coupling, err := openCoupling(cfg, c.Mirror)
	if err != nil {
		return err
	}

	hz := c.Hz
	if hz <= 0 {
		hz = cfg.ControlHz()
	}
	ctrl := teleop.NewController(coupling, hz)
	defer ctrl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Start(ctx)
	}()

	if c.Plain {
		err = runPlainTeleop(ctx, ctrl)
	} else {
		p := tea.NewProgram(initialTeleopModel(ctrl, len(coupling.Leader().IDs())), tea.WithAltScreen())
		_, err = p.Run()
	}

	// Stop the loop and wait for it to release the follower.
	cancel()
	if ctrlErr := <-done; ctrlErr != nil && !errors.Is(ctrlErr, context.Canceled) {
		logrus.WithError(ctrlErr).Error("controller error")
	}
	if err != nil {
		return fmt.Errorf("error running teleoperation: %w", err)
	}
	return nil
}

// openCoupling opens both buses and pairs them.
func openCoupling(cfg *robot.Config, mirror bool) (*teleop.Coupling, error) {
	leader, err := robot.OpenPipeline(cfg.Leader)
	if err != nil {
		return nil, err
	}
	follower, err := robot.OpenPipeline(cfg.Follower)
	if err != nil {
		leader.Close()
		return nil, err
	}

	var couplingOpts []teleop.CouplingOption
	if mirror {
		ids := cfg.MirrorIDs
		if len(ids) == 0 {
			ids = teleop.DefaultMirrorIDs
		}
		logrus.WithField("ids", mirrorLabel(ids)).Info("mirror mode")
		couplingOpts = append(couplingOpts, teleop.WithMirror(ids...))
	}

	coupling, err := teleop.NewCoupling(leader, follower, couplingOpts...)
	if err != nil {
		leader.Close()
		follower.Close()
		return nil, err
	}
	return coupling, nil
}

// runPlainTeleop forwards controller logs to logrus and reports the cycle
// rate every second until ctx is done.
func runPlainTeleop(ctx context.Context, ctrl *teleop.Controller) error {
	report := time.NewTicker(time.Second)
	defer report.Stop()

	var cycles, failures int
	var last teleop.State
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ctrl.Logs():
			logrus.Info(msg)
		case s := <-ctrl.States():
			cycles++
			if s.Error != nil {
				failures++
			}
			last = s
		case <-report.C:
			fields := jointFields(last.Positions)
			fields["cycles"] = cycles
			fields["failures"] = failures
			logrus.WithFields(fields).Info("teleop")
			cycles, failures = 0, 0
		}
	}
}

// mirrorLabel describes which joints the coupling negates.
func mirrorLabel(ids []protocol.ServoID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}
