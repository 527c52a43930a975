// Package output renders API results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ventupx/wrb-vpn-system/pkg/api"
)

// Format is an output format name.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (must be table, json, or yaml)", s)
}

// Printer writes results in one format.
type Printer struct {
	format Format
	w      io.Writer
}

// NewPrinter creates a printer writing to w.
func NewPrinter(format Format, w io.Writer) *Printer {
	return &Printer{format: format, w: w}
}

// Print renders v. table draws the table form and is only called for FormatTable.
func (p *Printer) Print(v any, table func(tw *tabwriter.Writer)) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		// round-trip through JSON so keys follow the json tags
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func groupName(g *api.DeviceGroup) string {
	if g == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%d)", g.Name, g.ID)
}

// Panels prints a panel listing.
func (p *Printer) Panels(panels []api.PanelInfo) error {
	return p.Print(panels, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tADDRESS\tTYPE\tCOUNTRY\tACTIVE\tONLINE\tBREAKER\tNODES\tXRAY\tCPU%\tMEM%\tLAST SWEEP")
		for _, pi := range panels {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%.1f\t%.1f\t%s\n",
				pi.ID, pi.Address, pi.PanelType, pi.Country, yesNo(pi.IsActive), yesNo(pi.IsOnline), orDash(pi.BreakerState),
				pi.NodesCount, pi.XrayVersion, pi.CPUUsage, pi.MemUsage, stamp(pi.LastSweepAt))
		}
	})
}

// Panel prints one panel.
func (p *Printer) Panel(pi api.PanelInfo) error {
	return p.Print(pi, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID:\t%d\n", pi.ID)
		fmt.Fprintf(tw, "Address:\t%s\n", pi.Address)
		fmt.Fprintf(tw, "Type:\t%s\n", pi.PanelType)
		fmt.Fprintf(tw, "Active:\t%s\n", yesNo(pi.IsActive))
		fmt.Fprintf(tw, "Online:\t%s\n", yesNo(pi.IsOnline))
		fmt.Fprintf(tw, "Last restart:\t%s\n", stamp(pi.LastRestart))
	})
}

// Node prints one node.
func (p *Printer) Node(n api.NodeInfo) error {
	return p.Print(n, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID:\t%d\n", n.ID)
		fmt.Fprintf(tw, "Order:\t%d\n", n.OrderID)
		fmt.Fprintf(tw, "Remark:\t%s\n", n.Remark)
		fmt.Fprintf(tw, "Protocol:\t%s\n", n.Protocol)
		fmt.Fprintf(tw, "Status:\t%s\n", n.Status)
		fmt.Fprintf(tw, "Panel:\t%d (%s)\n", n.PanelID, n.PanelType)
		fmt.Fprintf(tw, "Endpoint:\t%s:%d\n", n.Host, n.Port)
		fmt.Fprintf(tw, "Inbound:\t%d\n", n.PanelNodeID)
		if n.OutboundTag != "" {
			fmt.Fprintf(tw, "Outbound tag:\t%s\n", n.OutboundTag)
		}
		if n.UDPHost != "" {
			fmt.Fprintf(tw, "UDP host:\t%s\n", n.UDPHost)
		}
		if n.RoutingIncomplete {
			fmt.Fprintf(tw, "Routing:\tincomplete\n")
		}
		fmt.Fprintf(tw, "Expires:\t%s\n", stamp(&n.ExpiryTime))
		if n.LastError != "" {
			fmt.Fprintf(tw, "Last error:\t%s\n", n.LastError)
		}
	})
}

// Accepted prints an acknowledgement.
func (p *Printer) Accepted(a api.Accepted) error {
	return p.Print(a, func(tw *tabwriter.Writer) {
		if a.OrderID != 0 {
			fmt.Fprintf(tw, "Order:\t%d\n", a.OrderID)
		}
		if a.NodeID != 0 {
			fmt.Fprintf(tw, "Node:\t%d\n", a.NodeID)
		}
		if a.Status != "" {
			fmt.Fprintf(tw, "Status:\t%s\n", a.Status)
		}
		fmt.Fprintf(tw, "Tasks:\t%s\n", strings.Join(a.TaskIDs, ", "))
		for _, e := range a.Errors {
			fmt.Fprintf(tw, "Error:\t%s\n", e)
		}
	})
}

// Sweep prints a sweep result.
func (p *Printer) Sweep(s api.SweepResponse) error {
	return p.Print(s, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "PANEL\tINBOUNDS\tPORTS ADDED\tPORTS REMOVED")
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", s.PanelID, s.Inbounds, s.PortsAdded, s.PortsRemoved)
	})
}

// Refunds prints refund entries.
func (p *Printer) Refunds(refunds []api.RefundInfo) error {
	return p.Print(refunds, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tORDER\tNODE\tUSER\tSETTLED\tCREATED\tREASON")
		for _, r := range refunds {
			created := r.CreatedAt
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
				r.ID, r.OrderID, r.NodeID, r.UserID, yesNo(r.Settled), stamp(&created), r.Reason)
		}
	})
}

// Connection prints a login test result.
func (p *Printer) Connection(c api.ConnectionResponse) error {
	return p.Print(c, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Panel:\t%d\n", c.PanelID)
		fmt.Fprintf(tw, "Connected:\t%s\n", yesNo(c.Connected))
		fmt.Fprintf(tw, "Breaker:\t%s\n", orDash(c.BreakerState))
		if c.Error != "" {
			fmt.Fprintf(tw, "Error:\t%s\n", c.Error)
		}
	})
}

// Outbounds prints the outbound tags of a panel template. JSON and YAML carry the whole template.
func (p *Printer) Outbounds(o api.OutboundsResponse) error {
	return p.Print(o, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Panel:\t%d\n", o.PanelID)
		fmt.Fprintf(tw, "Outbounds:\t%s\n", strings.Join(o.Tags, ", "))
	})
}

// TransitAccounts prints a tunnel account listing.
func (p *Printer) TransitAccounts(accounts []api.TransitAccountInfo) error {
	return p.Print(accounts, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tUSERNAME\tENABLED\tBALANCE\tRULES\tIN GROUPS\tOUT GROUPS\tDEFAULT IN\tDEFAULT OUT")
		for _, a := range accounts {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%d/%d\t%d\t%d\t%s\t%s\n",
				a.ID, a.Username, yesNo(a.Enabled), a.Balance, a.RuleCount, a.MaxRules,
				len(a.InboundGroups), len(a.OutboundGroups), groupName(a.DefaultInbound), groupName(a.DefaultOutbound))
		}
	})
}

// TransitAccount prints one tunnel account with its device groups.
func (p *Printer) TransitAccount(a api.TransitAccountInfo) error {
	return p.Print(a, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID:\t%d\n", a.ID)
		fmt.Fprintf(tw, "Username:\t%s\n", a.Username)
		fmt.Fprintf(tw, "Balance:\t%.2f\n", a.Balance)
		fmt.Fprintf(tw, "Rules:\t%d/%d\n", a.RuleCount, a.MaxRules)
		for _, g := range a.InboundGroups {
			fmt.Fprintf(tw, "Inbound group:\t%s (%d)\n", g.Name, g.ID)
		}
		for _, g := range a.OutboundGroups {
			fmt.Fprintf(tw, "Outbound group:\t%s (%d)\n", g.Name, g.ID)
		}
	})
}
