package report

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/xuri/excelize/v2"
)

var header = []string{
	"Name", "Sprint", "Total Taken", "Development Approved", "Support Approved",
	"Ongoing Development", "Ongoing Support", "Non Development", "Wakatime Hours",
	"Total Approved", "SP Completion", "MR Submitted", "MR Approved", "MR Rejected",
	"MR Rejection Ratio", "Tasks to QA", "Rejected Tasks", "QA Rejection Ratio",
}

type Sheet struct {
	SprintID int64
	Name     string
	Rows     []domain.ReportRow
}

type Workbook struct {
	file *excelize.File
}

func (w *Workbook) WriteTo(dst io.Writer) (int64, error) {
	return 0, w.file.Write(dst)
}

// OrderSheets puts sheets in the requested sprint-id order; ids not present
// are ignored, sheets not requested keep their incoming order and go last.
func OrderSheets(requested []int64, sheets []Sheet) []Sheet {
	byID := map[int64]int{}
	for i, s := range sheets { byID[s.SprintID] = i }
	used := map[int64]bool{}
	out := make([]Sheet, 0, len(sheets))
	for _, id := range requested {
		if i, ok := byID[id]; ok && !used[id] {
			out = append(out, sheets[i])
			used[id] = true
		}
	}
	for _, s := range sheets {
		if !used[s.SprintID] { out = append(out, s) }
	}
	return out
}

// sanitizeSheetName strips characters Excel forbids and enforces the 31-char
// sheet name limit without splitting a rune.
func sanitizeSheetName(name string, fallback int64) string {
	name = strings.TrimSpace(name)
	for _, c := range []string{":", "\\", "/", "?", "*", "[", "]"} {
		name = strings.ReplaceAll(name, c, "")
	}
	if name == "" { name = fmt.Sprintf("Sprint %d", fallback) }
	if len(name) > 31 {
		cut := 31
		for cut > 0 && !utf8.RuneStart(name[cut]) { cut-- }
		name = name[:cut]
	}
	return name
}

func Build(requested []int64, sheets []Sheet) (*Workbook, error) {
	f := excelize.NewFile()
	ordered := OrderSheets(requested, sheets)
	for i, sheet := range ordered {
		name := sanitizeSheetName(sheet.Name, sheet.SprintID)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil { return nil, err }
		} else {
			if _, err := f.NewSheet(name); err != nil { return nil, err }
		}
		if err := writeSheet(f, name, sheet.Rows); err != nil { return nil, err }
	}
	return &Workbook{file: f}, nil
}

func writeSheet(f *excelize.File, name string, rows []domain.ReportRow) error {
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil { return err }
		if err := f.SetCellValue(name, cell, h); err != nil { return err }
	}
	for i, r := range rows {
		values := []any{
			r.Name, r.Sprint, r.TotalTaken, r.DevelopmentApproved, r.SupportApproved,
			r.OngoingDevelopment, r.OngoingSupport, r.NonDevelopment, r.CodingHours,
			r.TotalApproved, r.SPCompletion, r.MRSubmitted, r.MRApproved, r.MRRejected,
			r.MRRejectionRatio, r.TasksToQA, r.RejectedTasks, r.QARejectionRatio,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil { return err }
			if err := f.SetCellValue(name, cell, v); err != nil { return err }
		}
	}
	return nil
}
