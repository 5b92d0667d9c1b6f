package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/armbus/pkg/calibration"
	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/gwillem/armbus/pkg/robot"
)

const (
	defaultCalibrationFile = "calibration.json"
	sampleInterval         = 20 * time.Millisecond
	plainPrintEvery        = 30
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var errCalibrationAborted = errors.New("calibration aborted")

type CalibrateCommand struct {
	BaudRate int    `long:"baud" default:"1000000" description:"Serial baud rate"`
	Protocol string `long:"protocol" default:"sts" choice:"sts" choice:"scs" description:"Servo protocol variant"`
	Model    string `long:"model" default:"sts3215" description:"Servo model"`
	MinSpan  int    `long:"min-span" default:"50" description:"Smallest accepted range of motion in raw ticks"`
	Plain    bool   `long:"plain" description:"Print progress lines instead of the live table"`

	Args struct {
		Device string   `positional-arg-name:"device" required:"yes"`
		Rest   []string `positional-arg-name:"id" required:"1" description:"Servo IDs, optionally followed by the output file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *CalibrateCommand) Execute(args []string) error {
	ids, output, err := parseCalibrateArgs(c.Args.Rest)
	if err != nil {
		return err
	}

	cfg := robot.BusConfig{
		Name:     "calibrate",
		Port:     c.Args.Device,
		IDs:      ids,
		Units:    calibration.Raw,
		BaudRate: c.BaudRate,
		Protocol: c.Protocol,
		Model:    c.Model,
	}
	logrus.WithFields(cfg.LogrusFields()).Debug("opening bus")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cal, err := calibrateBus(ctx, cfg, c.MinSpan, c.Plain)
	if err != nil {
		return err
	}

	if err := calibration.Save(output, cal); err != nil {
		return err
	}
	printCalibration(os.Stdout, output, cal)
	return nil
}

// parseCalibrateArgs splits "<id>... [output.json]". A trailing argument
// ending in .json names the output file.
func parseCalibrateArgs(rest []string) ([]protocol.ServoID, string, error) {
	output := defaultCalibrationFile
	if n := len(rest); n > 1 && strings.HasSuffix(rest[n-1], ".json") {
		output = rest[n-1]
		rest = rest[:n-1]
	}
	if len(rest) == 0 {
		return nil, "", fmt.Errorf("at least one servo ID required")
	}

	ids := make([]protocol.ServoID, 0, len(rest))
	for _, s := range rest {
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return nil, "", fmt.Errorf("servo IDs must be numbers, got %q", s)
		}
		ids = append(ids, protocol.ServoID(n))
	}
	return ids, output, nil
}

// calibrateBus opens cfg in raw units, releases torque and records every
// servo's range until the operator confirms.
func calibrateBus(ctx context.Context, cfg robot.BusConfig, minSpan int, plain bool) (*calibration.Calibration, error) {
	model, err := cfg.ServoModel()
	if err != nil {
		return nil, err
	}

	p, err := robot.OpenPipeline(cfg)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	c := calibration.NewCalibrator(
		calibration.WithMinSpan(minSpan),
		calibration.WithMaxRaw(protocol.RawPosition(model.MaxPosition)),
	)
	if err := c.Begin(p.IDs()); err != nil {
		return nil, err
	}

	if err := p.Disable(ctx); err != nil {
		logrus.WithFields(logrus.Fields{"bus": p.Name(), "err": err}).Warn("failed to disable torque")
	}

	fmt.Printf("Calibrating %d servos on %s\n", len(p.IDs()), cfg.Port)
	fmt.Println("Move every joint through its full range of motion.")
	fmt.Println("Press Enter when done.")
	fmt.Println()

	var cal *calibration.Calibration
	if plain {
		cal, err = runPlainCalibration(ctx, p, c, os.Stdin, os.Stdout)
	} else {
		cal, err = runCalibrationTUI(ctx, p, c)
	}
	if err != nil {
		reportRangeError(os.Stderr, err)
		return nil, err
	}
	return cal, nil
}

// runPlainCalibration samples until a line arrives on in, then finalizes.
func runPlainCalibration(ctx context.Context, p *robot.Pipeline, c *calibration.Calibrator, in io.Reader, out io.Writer) (*calibration.Calibration, error) {
	done := make(chan struct{})
	go func() {
		bufio.NewReader(in).ReadString('\n')
		close(done)
	}()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for cycles := 1; ; cycles++ {
		if _, err := p.Sample(ctx, c); err != nil {
			logrus.WithFields(logrus.Fields{"bus": p.Name(), "err": err}).Debug("sample failed")
		}
		if cycles%plainPrintEvery == 0 {
			fmt.Fprintf(out, "\r%s", formatObservations(c.Snapshot()))
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil, errCalibrationAborted
		case <-done:
			fmt.Fprintln(out)
			return c.Finalize()
		case <-ticker.C:
		}
	}
}

func formatObservations(obs []calibration.Observation) string {
	var sb strings.Builder
	for _, o := range obs {
		if o.Samples == 0 {
			fmt.Fprintf(&sb, "  s%d:[   -    -]", o.ID)
			continue
		}
		fmt.Fprintf(&sb, "  s%d:[%4d-%4d]", o.ID, o.Min, o.Max)
	}
	return sb.String()
}

func reportRangeError(w io.Writer, err error) {
	var rangeErr *calibration.InsufficientRangeError
	if !errors.As(err, &rangeErr) {
		return
	}
	red := color.New(color.FgRed, color.Bold)
	red.Fprintf(w, "Range of motion too small (need at least %d ticks):\n", rangeErr.MinSpan)
	for _, f := range rangeErr.Servos {
		if !f.Observed {
			red.Fprintf(w, "  servo %d: never answered\n", f.ID)
			continue
		}
		red.Fprintf(w, "  servo %d: span %d\n", f.ID, f.Span)
	}
}

func printCalibration(w io.Writer, path string, cal *calibration.Calibration) {
	fmt.Fprintf(w, "Saved to %s:\n", path)
	for _, e := range cal.Servos {
		fmt.Fprintf(w, "  servo %2d: min=%4d  max=%4d  center=%6.1f  range=%4d\n",
			e.ID, e.Min, e.Max, e.Center(), e.Span())
	}
}

func runCalibrationTUI(ctx context.Context, p *robot.Pipeline, c *calibration.Calibrator) (*calibration.Calibration, error) {
	prog := tea.NewProgram(newCalibrationModel(ctx, p, c), tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) || ctx.Err() != nil {
			return nil, errCalibrationAborted
		}
		return nil, fmt.Errorf("calibration display: %w", err)
	}

	m := final.(calibrationModel)
	if m.result == nil {
		if m.finalizeErr != nil {
			return nil, m.finalizeErr
		}
		return nil, errCalibrationAborted
	}
	return m.result, nil
}

// calibrationModel samples the bus on every tick and shows the running
// ranges as a table.
type calibrationModel struct {
	ctx         context.Context
	pipeline    *robot.Pipeline
	calibrator  *calibration.Calibrator
	readErrors  int
	lastReadErr error
	finalizeErr error
	result      *calibration.Calibration
	quitting    bool
}

type sampleTickMsg time.Time

func newCalibrationModel(ctx context.Context, p *robot.Pipeline, c *calibration.Calibrator) calibrationModel {
	return calibrationModel{
		ctx:        ctx,
		pipeline:   p,
		calibrator: c,
	}
}

func sampleTick() tea.Cmd {
	return tea.Tick(sampleInterval, func(t time.Time) tea.Msg {
		return sampleTickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return sampleTick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			cal, err := m.calibrator.Finalize()
			if err != nil {
				// Still observing: let the operator keep moving the arm.
				m.finalizeErr = err
				return m, nil
			}
			m.result = cal
			m.quitting = true
			return m, tea.Quit
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case sampleTickMsg:
		if _, err := m.pipeline.Sample(m.ctx, m.calibrator); err != nil {
			m.readErrors++
			m.lastReadErr = err
		}
		return m, sampleTick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	obs := m.calibrator.Snapshot()
	minSpan := m.calibrator.MinSpan()
	rows := make([][]string, 0, len(obs))
	spans := make([]int, 0, len(obs))
	for i, o := range obs {
		spans = append(spans, o.Span())
		if o.Samples == 0 {
			rows = append(rows, []string{strconv.Itoa(int(o.ID)), robot.JointName(i), "-", "-", "-", "0"})
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(int(o.ID)),
			robot.JointName(i),
			fmt.Sprintf("%d", o.Last),
			fmt.Sprintf("%d", o.Min),
			fmt.Sprintf("%d", o.Max),
			fmt.Sprintf("%d", o.Span()),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Joint", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 1:
				return tableMotorStyle
			case 2:
				return tableCurrentStyle
			case 5:
				if row >= 0 && row < len(spans) && spans[row] >= minSpan {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")

	if m.readErrors > 0 {
		sb.WriteString(dimStyle.Render(fmt.Sprintf("%d failed reads, last: %v", m.readErrors, m.lastReadErr)))
		sb.WriteString("\n")
	}
	if m.finalizeErr != nil {
		sb.WriteString(warnStyle.Render(m.finalizeErr.Error()))
		sb.WriteString("\n")
	}
	sb.WriteString(dimStyle.Render("Press Enter when done, q to abort"))

	return sb.String()
}
