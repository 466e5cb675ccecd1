// Package excel imports case sets from spreadsheets and exports case sets
// and run results back out. Header names are matched against a set of
// aliases so hand-authored sheets with minor naming differences still load.
package excel

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

const sheetName = "Sheet1"

// Canonical import columns.
const (
	colCaseUID     = "case_uid"
	colDescription = "description"
	colUserInput   = "user_input"
	colExpected    = "expected_output"
)

var headerAliases = map[string]string{
	"case_uid":        colCaseUID,
	"id":              colCaseUID,
	"uid":             colCaseUID,
	"case id":         colCaseUID,
	"description":     colDescription,
	"desc":            colDescription,
	"user_input":      colUserInput,
	"input":           colUserInput,
	"prompt":          colUserInput,
	"expected_output": colExpected,
	"expected":        colExpected,
	"output":          colExpected,
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if canonical, ok := headerAliases[h]; ok {
		return canonical
	}
	return h
}

// ParseCases reads test cases from the first sheet of an .xlsx file. The
// first row is the header; rows with an empty user input are skipped.
func ParseCases(r io.Reader) ([]*eval.Case, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read spreadsheet")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read rows")
	}
	if len(rows) < 2 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "spreadsheet has no data rows")
	}

	columns := make(map[string]int)
	for i, header := range rows[0] {
		columns[normalizeHeader(header)] = i
	}
	inputIdx, ok := columns[colUserInput]
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidInput, "missing required column: user_input")
	}

	cell := func(row []string, idx int, ok bool) string {
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}
	uidIdx, hasUID := columns[colCaseUID]
	descIdx, hasDesc := columns[colDescription]
	expIdx, hasExp := columns[colExpected]

	var cases []*eval.Case
	for _, row := range rows[1:] {
		input := cell(row, inputIdx, true)
		if input == "" {
			continue
		}
		cases = append(cases, &eval.Case{
			CaseUID:        cell(row, uidIdx, hasUID),
			Description:    cell(row, descIdx, hasDesc),
			UserInput:      input,
			ExpectedOutput: cell(row, expIdx, hasExp),
		})
	}
	if len(cases) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "no valid test cases found")
	}
	return cases, nil
}

// WriteCases exports a case set's cases as an .xlsx workbook.
func WriteCases(w io.Writer, cases []*eval.Case) error {
	f := excelize.NewFile()
	defer f.Close()

	headers := []string{"case_uid", "description", "user_input", "expected_output"}
	for i, h := range headers {
		setCell(f, 1, i+1, h)
	}
	for rowIdx, c := range cases {
		row := rowIdx + 2
		setCell(f, row, 1, c.CaseUID)
		setCell(f, row, 2, c.Description)
		setCell(f, row, 3, c.UserInput)
		setCell(f, row, 4, c.ExpectedOutput)
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write spreadsheet")
	}
	return nil
}

// WriteResults exports one run's results as an .xlsx workbook. Cases are
// joined in so the sheet reads standalone.
func WriteResults(w io.Writer, results []*eval.Result, cases []*eval.Case) error {
	byID := make(map[string]*eval.Case, len(cases))
	for _, c := range cases {
		byID[c.ID] = c
	}

	f := excelize.NewFile()
	defer f.Close()

	headers := []string{
		"case_uid", "description", "user_input", "expected_output",
		"actual_output", "passed", "execution_error", "duration_ms",
	}
	for i, h := range headers {
		setCell(f, 1, i+1, h)
	}

	for rowIdx, r := range results {
		row := rowIdx + 2
		if c, ok := byID[r.CaseID]; ok {
			setCell(f, row, 1, c.CaseUID)
			setCell(f, row, 2, c.Description)
			setCell(f, row, 3, c.UserInput)
			setCell(f, row, 4, c.ExpectedOutput)
		}
		if r.ActualOutput != nil {
			setCell(f, row, 5, *r.ActualOutput)
		}
		setCell(f, row, 6, fmt.Sprintf("%t", r.IsPassed))
		if r.ExecutionError != nil {
			setCell(f, row, 7, *r.ExecutionError)
		}
		if r.DurationMS != nil {
			setCell(f, row, 8, *r.DurationMS)
		}
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write spreadsheet")
	}
	return nil
}

func setCell(f *excelize.File, row, col int, value any) {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return
	}
	f.SetCellValue(sheetName, cell, value)
}
