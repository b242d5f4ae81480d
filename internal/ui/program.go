package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/protocol"
)

// Field is one key/value line of a header or result box. Fields keep the
// order they are given in.
type Field struct {
	Key   string
	Value string
}

// Printer provides methods for printing UI components to a writer.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
	}
}

// Width returns the current terminal width used by this printer
func (p *Printer) Width() int {
	return p.width
}

// setWidth overrides the detected terminal width.
func (p *Printer) setWidth(width int) *Printer {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}
	p.width = width
	return p
}

// Print writes content to the output
func (p *Printer) Print(content string) {
	_, _ = fmt.Fprint(p.out, content)
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// Newline prints an empty line
func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// PrintHeader prints a command header box
func (p *Printer) PrintHeader(title, command string, params []Field) {
	p.Println(RenderHeader(title, command, params, p.width))
}

// PrintSuccess prints a success result box
func (p *Printer) PrintSuccess(title string, details []Field) {
	p.Println(RenderSuccessBox(title, details, p.width))
}

// PrintWarning prints a warning line
func (p *Printer) PrintWarning(title string) {
	p.Println(WarningTitleStyle.Render("  " + WarningMarker + "  " + title))
}

// PrintError prints an error result box with troubleshooting tips
func (p *Printer) PrintError(title string, err error, troubleshooting []string) {
	p.Println(RenderErrorBox(title, err, troubleshooting, p.width))
}

// PrintDevices prints a table of device references
func (p *Printer) PrintDevices(refs []*device.Reference) {
	p.Println(RenderDeviceTable(refs, p.width))
}

// PrintDevice prints the metadata of one device
func (p *Printer) PrintDevice(dev *device.Device) {
	p.PrintSuccess("Metadata of "+dev.EndpointReference, DeviceFields(dev))
}

// PrintData prints the discovery data of one device
func (p *Printer) PrintData(title string, data *protocol.DiscoveryData) {
	p.PrintSuccess(title, DataFields(data))
}

// RenderHeader renders a command header box
func RenderHeader(title, command string, params []Field, width int) string {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	titleLine := HeaderTitleStyle.Render(strings.ToUpper(title))
	commandLine := HeaderCommandStyle.Render(command)
	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, commandLine)

	if len(params) > 0 {
		var paramLines []string
		for _, f := range params {
			paramLines = append(paramLines, HeaderParamKeyStyle.Render(f.Key+":")+" "+HeaderParamValueStyle.Render(f.Value))
		}

		dividerWidth := width - 6 // Account for border and padding
		if dividerWidth < 10 {
			dividerWidth = 10
		}
		divider := RenderHorizontalDivider(dividerWidth, "─")
		content = lipgloss.JoinVertical(lipgloss.Left, content, divider, strings.Join(paramLines, "\n"))
	}

	return HeaderBorderStyle(width).Render(content)
}

// RenderSuccessBox renders a success result box
func RenderSuccessBox(title string, details []Field, width int) string {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	lines := []string{
		"",
		SuccessTitleStyle.Render(fmt.Sprintf("%s  %s", SuccessMarker, title)),
		"",
	}
	for _, f := range details {
		lines = append(lines, ResultKeyStyle.Render(f.Key+":")+" "+ResultValueStyle.Render(f.Value))
	}
	lines = append(lines, "")

	return SuccessBoxStyle(width).Render(strings.Join(lines, "\n"))
}

// RenderErrorBox renders an error result box with troubleshooting
func RenderErrorBox(title string, err error, troubleshooting []string, width int) string {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	lines := []string{
		"",
		ErrorTitleStyle.Render(fmt.Sprintf("%s  FAILED  ─  %s", FailureMarker, title)),
		"",
	}
	if err != nil {
		lines = append(lines, ErrorMessageStyle.Render("Error: "+err.Error()), "")
	}

	if len(troubleshooting) > 0 {
		troubleLines := []string{TroubleshootingTitleStyle.Render("Troubleshooting:"), ""}
		for _, tip := range troubleshooting {
			troubleLines = append(troubleLines, TroubleshootingItemStyle.Render("  • "+tip))
		}
		lines = append(lines, TroubleshootingBoxStyle(width).Render(strings.Join(troubleLines, "\n")), "")
	}

	return ErrorBoxStyle(width).Render(strings.Join(lines, "\n"))
}

// deviceColumns are the columns of the device table
var deviceColumns = []string{"Endpoint", "State", "Location", "MDV", "Address", "Types"}

// ReferenceRow returns the device table cells of ref.
func ReferenceRow(ref *device.Reference) []string {
	row := []string{
		ref.EndpointReference(),
		ref.State().String(),
		ref.Location().String(),
		"-",
		"-",
		"-",
	}
	if mdv := ref.MetadataVersion(); mdv != protocol.MetadataVersionUnknown {
		row[3] = fmt.Sprint(mdv)
	}
	if x, ok := ref.PreferredXAddress(); ok {
		row[4] = x.URL
	}
	if data := ref.Data(); data != nil && len(data.Types) > 0 {
		types := make([]string, 0, len(data.Types))
		for _, t := range data.Types {
			types = append(types, t.Local)
		}
		row[5] = strings.Join(types, " ")
	}
	return row
}

// RenderDeviceTable renders refs as a bordered table
func RenderDeviceTable(refs []*device.Reference, width int) string {
	if len(refs) == 0 {
		return StatusLineStyle.Render("No devices found")
	}

	rows := make([][]string, 0, len(refs))
	states := make([]device.State, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, ReferenceRow(ref))
		states = append(states, ref.State())
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(PrimaryColor)).
		Headers(deviceColumns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			if col == 1 && row >= 0 && row < len(states) {
				return StateStyle(states[row]).Padding(0, 1)
			}
			return TableCellStyle
		})
	if width > 0 {
		t = t.Width(width)
	}
	return t.Render()
}

// DeviceFields lists the metadata of dev for a result box
func DeviceFields(dev *device.Device) []Field {
	fields := []Field{
		{"Endpoint", dev.EndpointReference},
		{"Metadata version", fmt.Sprint(dev.MetadataVersion)},
		{"Fetched from", dev.XAddress.URL},
	}
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, Field{key, value})
		}
	}
	add("Friendly name", dev.Metadata.FriendlyName)
	add("Manufacturer", dev.Metadata.Manufacturer)
	add("Model", strings.TrimSpace(dev.Metadata.ModelName+" "+dev.Metadata.ModelNumber))
	add("Firmware", dev.Metadata.FirmwareVersion)
	add("Serial", dev.Metadata.SerialNumber)
	for _, svc := range dev.Metadata.Services {
		add("Service", fmt.Sprintf("%s %s", svc.ServiceID, strings.Join(svc.XAddrs, " ")))
	}
	return fields
}

// DataFields lists discovery data for a result box
func DataFields(data *protocol.DiscoveryData) []Field {
	types := make([]string, 0, len(data.Types))
	for _, t := range data.Types {
		types = append(types, t.String())
	}
	fields := []Field{
		{"Endpoint", data.EndpointReference},
		{"Types", strings.Join(types, " ")},
		{"Scopes", strings.Join(data.Scopes, " ")},
		{"Addresses", strings.Join(data.XAddrURLs(), " ")},
	}
	if data.MetadataVersion != protocol.MetadataVersionUnknown {
		fields = append(fields, Field{"Metadata version", fmt.Sprint(data.MetadataVersion)})
	}
	return fields
}

// Troubleshooting returns hints for a communication error
func Troubleshooting(err error) []string {
	switch {
	case protocol.IsTimeout(err):
		return []string{
			"Check that the device is powered on and on the same network segment",
			"Multicast traffic to UDP port 3702 may be filtered by a firewall",
			"Try a longer --timeout",
		}
	case protocol.IsAuthorizationError(err):
		return []string{"Check --username and --password"}
	case protocol.IsNoAddressError(err):
		return []string{
			"Every advertised address failed; the device may have moved",
			"Run probe again to learn its current addresses",
		}
	case protocol.IsTransmissionError(err):
		return []string{
			"Check the selected network interface with --interface",
			"Make sure no other process holds the discovery port exclusively",
		}
	default:
		return nil
	}
}
