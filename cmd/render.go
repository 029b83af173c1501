package cmd

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/query"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const chartBarWidth = 30

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func formatNumber(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(math.Round(*p*100)/100, 'f', -1, 64)
}

func renderOverview(w io.Writer, d *model.Dataset) {
	fmt.Fprintf(w, "%s  (%d rows, %d columns)\n", d.Filename, d.Rows, len(d.Columns))
	fmt.Fprintf(w, "dataset id: %s\n\n", d.ID)

	types := newTable(w)
	types.AppendHeader(table.Row{"Column", "Type"})
	for _, col := range d.Columns {
		types.AppendRow(table.Row{col, d.TypeOf(col)})
	}
	types.Render()

	if len(d.Preview) == 0 {
		fmt.Fprintln(w, "(no preview rows)")
		return
	}
	fmt.Fprintf(w, "\nPreview (first %d rows)\n", len(d.Preview))
	preview := newTable(w)
	header := make(table.Row, len(d.Columns))
	for i, col := range d.Columns {
		header[i] = col
	}
	preview.AppendHeader(header)
	for _, rec := range d.Preview {
		row := make(table.Row, len(d.Columns))
		for i, col := range d.Columns {
			row[i] = formatCell(rec[col])
		}
		preview.AppendRow(row)
	}
	preview.Render()
}

func renderStats(w io.Writer, d *model.Dataset, st *model.Stats) {
	numeric := newTable(w)
	numeric.SetTitle("Numeric columns")
	numeric.AppendHeader(table.Row{"Column", "Mean", "Min", "Max", "Sum", "Nulls", "Unique"})
	numeric.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	categorical := newTable(w)
	categorical.SetTitle("Categorical columns")
	categorical.AppendHeader(table.Row{"Column", "Top values", "Nulls", "Unique"})

	var nNum, nCat int
	for _, col := range d.Columns {
		cs, ok := st.Stats[col]
		if !ok {
			continue
		}
		if model.ColumnType(cs.Type) == model.Numeric {
			numeric.AppendRow(table.Row{col, formatNumber(cs.Mean), formatNumber(cs.Min), formatNumber(cs.Max), formatNumber(cs.Sum), cs.NullCount, cs.UniqueCount})
			nNum++
			continue
		}
		tops := make([]string, 0, len(cs.TopValues))
		for _, tv := range cs.TopValues {
			tops = append(tops, fmt.Sprintf("%s (%d)", tv.Value, tv.Count))
		}
		categorical.AppendRow(table.Row{col, strings.Join(tops, ", "), cs.NullCount, cs.UniqueCount})
		nCat++
	}
	if nNum == 0 && nCat == 0 {
		fmt.Fprintln(w, "(no statistics)")
		return
	}
	if nNum > 0 {
		numeric.Render()
	}
	if nCat > 0 {
		categorical.Render()
	}
}

// renderCharts prints each series as a table with a horizontal bar for its
// first numeric field.
func renderCharts(w io.Writer, st *model.Stats) {
	if len(st.Charts) == 0 {
		fmt.Fprintln(w, "(no charts for this dataset)")
		return
	}
	names := make([]string, 0, len(st.Charts))
	for name := range st.Charts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		series := st.Charts[name]
		if len(series) == 0 {
			continue
		}
		keys := recordKeys(series[0])
		valueKey := ""
		for _, k := range keys {
			if _, ok := series[0][k].(float64); ok {
				valueKey = k
				break
			}
		}
		maxVal := 0.0
		for _, rec := range series {
			if v, ok := rec[valueKey].(float64); ok && v > maxVal {
				maxVal = v
			}
		}

		t := newTable(w)
		t.SetTitle(strings.ReplaceAll(name, "_", " "))
		header := make(table.Row, 0, len(keys)+1)
		for _, k := range keys {
			header = append(header, k)
		}
		if valueKey != "" {
			header = append(header, "")
		}
		t.AppendHeader(header)
		for _, rec := range series {
			row := make(table.Row, 0, len(keys)+1)
			for _, k := range keys {
				row = append(row, formatCell(rec[k]))
			}
			if valueKey != "" {
				v, _ := rec[valueKey].(float64)
				row = append(row, bar(v, maxVal))
			}
			t.AppendRow(row)
		}
		t.Render()
	}
}

// recordKeys orders non-numeric fields first so labels lead each row.
func recordKeys(rec map[string]any) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		_, ni := rec[keys[i]].(float64)
		_, nj := rec[keys[j]].(float64)
		if ni != nj {
			return !ni
		}
		return keys[i] < keys[j]
	})
	return keys
}

func bar(v, max float64) string {
	if max <= 0 || v <= 0 {
		return ""
	}
	n := int(math.Round(v / max * chartBarWidth))
	if n == 0 {
		n = 1
	}
	return strings.Repeat("█", n)
}

func renderConversation(w io.Writer, msgs []model.Message, pending string) {
	if len(msgs) == 0 && pending == "" {
		fmt.Fprintln(w, "No questions yet. Try one of these:")
		renderSuggestions(w)
		return
	}
	for _, m := range msgs {
		renderMessage(w, m)
	}
	if pending != "" {
		fmt.Fprintln(w, "assistant: …")
	}
}

func renderMessage(w io.Writer, m model.Message) {
	label := "you"
	if m.Role == model.RoleAssistant {
		label = "assistant"
	}
	fmt.Fprintf(w, "%s: %s\n", label, m.Content)
}

func renderSuggestions(w io.Writer) {
	for _, q := range query.SuggestedQuestions {
		fmt.Fprintf(w, "  • %s\n", q)
	}
}
