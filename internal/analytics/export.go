package analytics

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
)

// WriteXLSX renders a summary workbook: totals on the first sheet and one
// sheet per breakdown.
func WriteXLSX(w io.Writer, s Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}

	rows := [][2]any{
		{"From", s.From.Format(time.RFC3339)},
		{"To", s.To.Format(time.RFC3339)},
		{"Total", s.Total},
		{"Open", s.Open},
		{"Active", s.Active},
		{"Acknowledged", s.Acknowledged},
		{"Snoozed", s.Snoozed},
		{"Resolved", s.Resolved},
		{"Escalated", s.Escalated},
		{"Average resolution (s)", s.AverageResolutionSeconds},
		{"MTTR (s)", s.MTTRSeconds},
		{"MTTA (s)", s.MTTASeconds},
	}
	_ = f.SetCellValue(summarySheet, "A1", "Alert Analytics")
	for i, r := range rows {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), r[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), r[1])
	}

	breakdowns := []struct {
		sheet  string
		header string
		counts map[string]int
	}{
		{"by_type", "Alert type", s.ByType},
		{"by_severity", "Severity", s.BySeverity},
		{"by_model", "Model", s.ByModel},
	}
	for _, b := range breakdowns {
		if _, err := f.NewSheet(b.sheet); err != nil {
			return err
		}
		_ = f.SetCellValue(b.sheet, "A1", b.header)
		_ = f.SetCellValue(b.sheet, "B1", "Count")
		for i, k := range sortedKeys(b.counts) {
			row := i + 2
			_ = f.SetCellValue(b.sheet, fmt.Sprintf("A%d", row), k)
			_ = f.SetCellValue(b.sheet, fmt.Sprintf("B%d", row), b.counts[k])
		}
	}

	return f.Write(w)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
