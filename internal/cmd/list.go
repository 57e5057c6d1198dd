package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/sharpie7/tinyusb/apiclient"
	"github.com/sharpie7/tinyusb/apitypes"
)

// List renders the asynchronous list of a running controller.
type List struct {
	Addr     string        `help:"API server address" default:"localhost:3242" env:"EHCID_LIST_ADDR"`
	Password string        `help:"API password" env:"EHCID_API_PASSWORD"`
	Timeout  time.Duration `help:"Request timeout" default:"5s" env:"EHCID_LIST_TIMEOUT"`
	Devices  bool          `help:"Also list the devices on the virtual bus" default:"false"`

	out io.Writer
}

// Run is called by Kong when the list command is executed.
func (l *List) Run(logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()

	cfg := &apiclient.Config{DialTimeout: l.Timeout, ReadTimeout: l.Timeout, WriteTimeout: l.Timeout, Password: l.Password}
	c := apiclient.NewWithConfig(l.Addr, cfg)
	logger.Debug("Querying controller", "addr", l.Addr)

	info, err := c.ControllerInfoCtx(ctx)
	if err != nil {
		return fmt.Errorf("controller info: %w", err)
	}
	list, err := c.AsyncListCtx(ctx)
	if err != nil {
		return fmt.Errorf("async list: %w", err)
	}
	var devices *apitypes.DevicesListResponse
	if l.Devices {
		if devices, err = c.DevicesListCtx(ctx); err != nil {
			return fmt.Errorf("device list: %w", err)
		}
	}
	return l.render(info, list, devices)
}

func (l *List) writer() io.Writer {
	if l.out != nil {
		return l.out
	}
	return os.Stdout
}

type palette struct{ bold, red, green, yellow *color.Color }

// newPalette returns colors that are disabled unless output goes to a terminal.
func newPalette(w io.Writer) palette {
	p := palette{
		bold:   color.New(color.Bold),
		red:    color.New(color.FgRed),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
	}
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		for _, c := range []*color.Color{p.bold, p.red, p.green, p.yellow} {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) status(s string) string {
	switch {
	case strings.Contains(s, "halted"):
		return p.red.Sprint(s)
	case strings.Contains(s, "active"):
		return p.green.Sprint(s)
	}
	return s
}

func (p palette) state(s string) string {
	switch s {
	case "idle", "complete":
		return s
	case "error":
		return p.red.Sprint(s)
	}
	return p.yellow.Sprint(s)
}

func (l *List) render(info *apitypes.ControllerInfoResponse, list *apitypes.AsyncListResponse, devices *apitypes.DevicesListResponse) error {
	w := l.writer()
	p := newPalette(w)
	status := fmt.Sprintf("%s %s  anchor %s  pipes %d  free pages %d",
		p.bold.Sprint("controller"), info.ID, info.AnchorPhys, len(info.OpenPipes), info.FreeBufferPages)
	if info.Wedged {
		status += "  " + p.red.Sprint("WEDGED")
	}
	if _, err := fmt.Fprintln(w, status); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Phys", "Pipe", "Next", "Addr", "EP", "Speed", "MPS", "Hub", "Status", "State")
	rows := make([][]string, 0, len(list.QueueHeads))
	for _, qh := range list.QueueHeads {
		pipe := qh.Pipe
		if qh.Head {
			pipe += " (H)"
		}
		hub := "-"
		if qh.HubAddress != 0 {
			hub = fmt.Sprintf("%d/%d", qh.HubAddress, qh.HubPort)
		}
		rows = append(rows, []string{
			qh.Phys, pipe, qh.Next,
			fmt.Sprintf("%d", qh.DeviceAddress),
			fmt.Sprintf("%d", qh.Endpoint),
			qh.Speed,
			fmt.Sprintf("%d", qh.MaxPacketSize),
			hub,
			p.status(qh.Status),
			p.state(qh.State),
		})
	}
	if err := table.Bulk(rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	if devices == nil {
		return nil
	}

	dt := tablewriter.NewWriter(w)
	dt.Header("Addr", "Speed", "Hub", "Config", "VID", "PID", "Type")
	rows = make([][]string, 0, len(devices.Devices))
	for _, d := range devices.Devices {
		rows = append(rows, []string{
			fmt.Sprintf("%d", d.Address), d.Speed,
			fmt.Sprintf("%d/%d", d.HubAddress, d.HubPort),
			fmt.Sprintf("%d", d.Configuration), d.Vid, d.Pid, d.Type,
		})
	}
	if err := dt.Bulk(rows); err != nil {
		return err
	}
	return dt.Render()
}
