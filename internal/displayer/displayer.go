package displayer

import (
	"context"
	"fmt"
	"sync"

	"dashobd/internal/models"
	"dashobd/internal/poller"
	"dashobd/pkg/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

// Connection reports the gateway link state.
type Connection interface {
	IsConnected() bool
}

// Poller is the part of the scheduler the dashboard reads from.
type Poller interface {
	Subscribe(h poller.Handler)
	Latest() (models.MetricsSnapshot, bool)
	Fetch() models.Readings
}

// TroubleCodes is the part of the DTC manager behind the r and c keys.
type TroubleCodes interface {
	ReadCodes() ([]models.TroubleCode, error)
	ReadPendingCodes() ([]models.TroubleCode, error)
	ClearCodes() error
}

var metricLabels = map[models.Metric]string{
	models.MetricSpeed:            "Speed",
	models.MetricRPM:              "RPM",
	models.MetricThrottlePosition: "Throttle",
	models.MetricFuelLevel:        "Fuel Level",
	models.MetricCoolantTemp:      "Coolant",
}

const helpLine = "[1 - Dashboard] [2 - DTC] [r - Read DTC] [p - Pending DTC] [c - Clear DTC] [f - Fetch] [q - Quit]"

// Displayer handles the TUI. Snapshots arrive from the poller goroutine
// and are drawn from refreshLoop so the poller never waits on the screen.
type Displayer struct {
	app    *tview.Application
	tabs   *tview.Pages
	conn   Connection
	poller Poller
	codes  TroubleCodes
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *models.MetricsSnapshot
	status  string
	wake    chan struct{}

	// UI elements cached for updates
	metricTexts map[models.Metric]*tview.TextView
	fuelText    *tview.TextView
	cycleText   *tview.TextView
	statusText  *tview.TextView
	messageText *tview.TextView
	helpText    *tview.TextView
	dtcTable    *tview.Table
}

func New(conn Connection, p Poller, codes TroubleCodes) *Displayer {
	d := &Displayer{
		app:         tview.NewApplication(),
		tabs:        tview.NewPages(),
		conn:        conn,
		poller:      p,
		codes:       codes,
		wake:        make(chan struct{}, 1),
		metricTexts: make(map[models.Metric]*tview.TextView),
	}
	d.build()
	p.Subscribe(d.onSnapshot)
	return d
}

// Run blocks until q is pressed or ctx is done.
func (d *Displayer) Run(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q', 'Q':
			d.Shutdown()
			return nil
		case '1':
			d.showPage("dashboard")
			return nil
		case '2':
			d.showPage("dtc")
			return nil
		case 'r', 'R':
			go d.readCodes()
			return nil
		case 'p', 'P':
			go d.readPendingCodes()
			return nil
		case 'c', 'C':
			go d.clearCodes()
			return nil
		case 'f', 'F':
			go d.fetch()
			return nil
		}
		return event
	})

	if snap, ok := d.poller.Latest(); ok {
		d.applySnapshot(snap)
	}
	d.updateStatus()

	go d.refreshLoop()
	go d.readCodes()
	go func() {
		<-d.ctx.Done()
		d.app.Stop()
	}()

	return d.app.Run()
}

func (d *Displayer) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
	d.app.Stop()
}

func (d *Displayer) showPage(name string) {
	d.tabs.SwitchToPage(name)
}

func (d *Displayer) build() {
	title := tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText("dashobd - vehicle telemetry dashboard")
	d.statusText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	d.helpText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText(helpLine)
	d.messageText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	headerFlex.AddItem(title, 1, 0, false)
	headerFlex.AddItem(d.statusText, 1, 0, false)
	headerFlex.AddItem(d.helpText, 1, 0, false)
	headerFlex.AddItem(d.messageText, 1, 0, false)

	d.tabs.AddPage("dashboard", d.buildDashboard(), true, true)
	d.tabs.AddPage("dtc", d.buildDTC(), true, false)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	mainFlex.AddItem(headerFlex, 4, 0, false)
	mainFlex.AddItem(d.tabs, 0, 1, true)
	d.app.SetRoot(mainFlex, true)
}

func (d *Displayer) buildDashboard() *tview.Flex {
	infoFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	for _, m := range models.TrackedMetrics {
		tv := tview.NewTextView().SetDynamicColors(true)
		tv.SetText(metricLine(models.Unavailable(m)))
		d.metricTexts[m] = tv
		infoFlex.AddItem(tv, 1, 0, false)
	}
	d.fuelText = tview.NewTextView().SetDynamicColors(true).SetText(fuelLine(0))
	d.cycleText = tview.NewTextView().SetDynamicColors(true)
	infoFlex.AddItem(d.fuelText, 1, 0, false)
	infoFlex.AddItem(d.cycleText, 1, 0, false)
	return infoFlex
}

func (d *Displayer) buildDTC() *tview.Table {
	d.dtcTable = tview.NewTable().SetBorders(true)
	fillDTCTable(d.dtcTable, nil)
	return d.dtcTable
}

func (d *Displayer) onSnapshot(snap models.MetricsSnapshot) {
	d.mu.Lock()
	d.pending = &snap
	d.mu.Unlock()
	d.notify()
}

func (d *Displayer) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Displayer) setMessage(msg string) {
	d.mu.Lock()
	d.status = msg
	d.mu.Unlock()
	d.notify()
}

func (d *Displayer) refreshLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
			d.mu.Lock()
			snap, msg := d.pending, d.status
			d.pending = nil
			d.mu.Unlock()

			d.app.QueueUpdateDraw(func() {
				if snap != nil {
					d.applySnapshot(*snap)
				}
				d.messageText.SetText(msg)
				d.updateStatus()
			})
		}
	}
}

// applySnapshot runs on the UI goroutine.
func (d *Displayer) applySnapshot(snap models.MetricsSnapshot) {
	d.applyReadings(snap.Readings)
	d.fuelText.SetText(fuelLine(snap.FuelConsumed))
	d.cycleText.SetText(fmt.Sprintf("Cycle: %d  (%s)", snap.Cycle, snap.Taken.Format("15:04:05")))
}

func (d *Displayer) applyReadings(readings models.Readings) {
	for _, m := range models.TrackedMetrics {
		d.metricTexts[m].SetText(metricLine(readings.Get(m)))
	}
}

func (d *Displayer) updateStatus() {
	status := "[red]disconnected[white]"
	if d.conn.IsConnected() {
		status = "[green]connected[white]"
	}
	d.statusText.SetText(fmt.Sprintf("Status: %s", status))
}

func (d *Displayer) readCodes() {
	d.showCodes("stored", d.codes.ReadCodes)
}

func (d *Displayer) readPendingCodes() {
	d.showCodes("pending", d.codes.ReadPendingCodes)
}

func (d *Displayer) showCodes(kind string, read func() ([]models.TroubleCode, error)) {
	codes, err := read()
	if err != nil {
		log.Error("failed to read trouble codes", zap.String("kind", kind), zap.Error(err))
		d.setMessage(fmt.Sprintf("[red]%v[white]", err))
		return
	}
	d.app.QueueUpdateDraw(func() {
		fillDTCTable(d.dtcTable, codes)
	})
	d.setMessage(fmt.Sprintf("%d %s trouble code(s)", len(codes), kind))
}

// clearCodes sends only the clear. The table keeps its rows either way
// until the next read.
func (d *Displayer) clearCodes() {
	if err := d.codes.ClearCodes(); err != nil {
		log.Error("failed to clear trouble codes", zap.Error(err))
		d.setMessage(fmt.Sprintf("[red]%v[white]", err))
		return
	}
	d.setMessage("Trouble codes cleared, press r to read them back")
}

func (d *Displayer) fetch() {
	readings := d.poller.Fetch()
	d.app.QueueUpdateDraw(func() {
		d.applyReadings(readings)
	})
	d.setMessage("Manual fetch done")
}

func metricLine(r models.Reading) string {
	label, ok := metricLabels[r.Metric]
	if !ok {
		label = string(r.Metric)
	}
	if !r.Available {
		return fmt.Sprintf("%s: [yellow]%s[white]", label, r)
	}
	return fmt.Sprintf("%s: %s", label, r)
}

func fuelLine(total float64) string {
	return fmt.Sprintf("Fuel consumed: %.2f %%", total)
}

func fillDTCTable(tbl *tview.Table, codes []models.TroubleCode) {
	tbl.Clear()
	tbl.SetCell(0, 0, tview.NewTableCell("Code").SetSelectable(false).SetAlign(tview.AlignCenter))
	tbl.SetCell(0, 1, tview.NewTableCell("Description").SetSelectable(false).SetAlign(tview.AlignCenter))
	if len(codes) == 0 {
		tbl.SetCell(1, 0, tview.NewTableCell("-"))
		tbl.SetCell(1, 1, tview.NewTableCell("No error codes."))
		return
	}
	for i, e := range codes {
		tbl.SetCell(i+1, 0, tview.NewTableCell(e.Code))
		tbl.SetCell(i+1, 1, tview.NewTableCell(e.Description))
	}
}
