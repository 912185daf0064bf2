package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"siteorder/internal/domain"
	"siteorder/internal/engine"
	"siteorder/internal/offline"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON with --json, otherwise calls human.
func render(v any, human func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	human()
	return nil
}

func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func francs(cents int64) string {
	return engine.FormatFrancs(cents) + " CHF"
}

// ago renders an RFC 3339 timestamp relative to now.
func ago(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printPlacement(p offline.Placement) {
	if p.Receipt != nil {
		fmt.Printf("Ordered %s as %s\n", offline.DescribeItems(p.Order), describeReceipt(*p.Receipt))
		return
	}
	fmt.Printf("Queued %s, will retry when online: %s\n", offline.DescribeItems(p.Order), p.Err)
}

func describeReceipt(r domain.OrderReceipt) string {
	status := "pending approval"
	if r.IsAutoApproved {
		status = "approved"
	}
	return fmt.Sprintf("%s, %s, %s", r.OrderNumber, francs(r.TotalCents), status)
}

func printDrainReport(r offline.DrainReport, maxRetries int) {
	if r.Skipped != "" {
		fmt.Printf("Queue not drained: %s (%d pending)\n", r.Skipped, r.Remaining)
		return
	}
	for _, d := range r.Delivered {
		fmt.Printf("Delivered %s as %s\n", offline.DescribeItems(d.Order), describeReceipt(d.Receipt))
	}
	for _, o := range r.Retried {
		fmt.Printf("Will retry %s (attempt %d of %d): %s\n", offline.DescribeItems(o), o.RetryCount, maxRetries, o.LastError)
	}
	for _, o := range r.Abandoned {
		fmt.Printf("Gave up on %s after %d attempts: %s\n", offline.DescribeItems(o), o.RetryCount, o.LastError)
	}
	fmt.Printf("%d pending\n", r.Remaining)
}
