/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package report renders the human-facing view of a redistribution run:
// a status_detail table, a progress bar, and a flat-file dump of the
// queue's final state. None of it is load-bearing: no other package in this
// repo calls it, and RedistributionEngine.Drain draws no bar. It is
// supplemental, following the interactive prints in
// gpexpand-5x.py ("Progress / reporting surface").
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/segmentdb/expandctl/lib/redistribute"
)

// StatusTable renders status_detail rows as a table to w, following the
// pack's console-table idiom (rounded borders, one header row).
// When w is a terminal, the table column carrying the qualified table name
// is capped to the detected width so wide schemas don't wrap badly.
func StatusTable(w io.Writer, items []redistribute.TableWorkItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Database", "Table", "Rank", "Status", "Bytes"})
	if width := detectTerminalWidth(w); width > 0 {
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Table", WidthMax: nameColumnWidth(width)},
		})
	}
	for _, item := range items {
		tw.AppendRow(table.Row{
			item.Database, item.QualifiedName(), int(item.Rank),
			colorStatus(item.Status), item.SourceBytes,
		})
	}
	tw.Render()
}

// detectTerminalWidth reports w's terminal column width, or -1 when w isn't
// a terminal (a pipe, a log file, or the call came from a non-interactive
// run). Falls back to os.Stdout when w isn't an *os.File itself.
func detectTerminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			return width
		}
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		return width
	}
	return -1
}

// nameColumnWidth reserves space for the other four columns and gives the
// rest to the qualified table name, with a sane floor.
func nameColumnWidth(termWidth int) int {
	const reserved = 40
	if w := termWidth - reserved; w > 20 {
		return w
	}
	return 20
}

func colorStatus(status redistribute.Status) string {
	switch status {
	case redistribute.StatusCompleted:
		return color.GreenString(string(status))
	case redistribute.StatusNoLongerExists:
		return color.YellowString(string(status))
	case redistribute.StatusInProgress:
		return color.CyanString(string(status))
	default:
		return string(status)
	}
}

// IsInteractive reports whether out is a terminal a progress bar is worth
// drawing to, rather than a pipe or log file.
func IsInteractive(out *os.File) bool {
	return out != nil && isatty.IsTerminal(out.Fd())
}

// DumpStatusDetail writes items to path, one line per table, in the
// flat-file format gpexpand-5x.py offers to save at the end of a run
// (supplemented feature; no caller in this repo invokes it).
func DumpStatusDetail(path string, items []redistribute.TableWorkItem) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, item := range items {
		if _, err := fmt.Fprintf(f, "%s\t%s\t%d\t%s\t%d\n",
			item.Database, item.QualifiedName(), int(item.Rank), item.Status, item.SourceBytes); err != nil {
			return err
		}
	}
	return nil
}
