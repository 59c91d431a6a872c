package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Sheet names of the Excel artifact.
const (
	sheetSummary = "Summary"
	sheetSteps   = "Step Metrics"
	sheetEvents  = "Events"
)

// writeExcel renders the dataset as a workbook with a Summary sheet and a
// Step Metrics sheet. Raw exports carry an Events sheet instead of steps.
func writeExcel(w io.Writer, d *dataset) (int64, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return 0, err
	}

	if err := writeSummarySheet(f, d); err != nil {
		return 0, err
	}

	var (
		records int64
		err     error
	)

	if len(d.Journeys) > 0 {
		records, err = writeEventsSheet(f, d)
	} else {
		records, err = writeStepSheet(f, d)
	}

	if err != nil {
		return 0, err
	}

	if err := f.Write(w); err != nil {
		return 0, err
	}

	return records, nil
}

func writeSummarySheet(f *excelize.File, d *dataset) error {
	rows := [][]any{
		{"Funnel", d.FunnelName},
		{"Date Range", d.dateRange()},
		{"Total Entries", d.Conversion.Overall.TotalEntries},
		{"Total Conversions", d.Conversion.Overall.TotalConversions},
		{"Conversion Rate %", d.Conversion.Overall.ConversionRate},
		{"Avg Time To Convert (s)", d.Conversion.Overall.AvgTimeToConvertSeconds},
	}

	for i, row := range rows {
		cell := fmt.Sprintf("A%d", i+1)
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return err
		}
	}

	return nil
}

func writeStepSheet(f *excelize.File, d *dataset) (int64, error) {
	if _, err := f.NewSheet(sheetSteps); err != nil {
		return 0, err
	}

	header := []any{
		"Step Order", "Step Name", "Unique Users",
		"Conversion Rate %", "Drop-off %", "Avg Completion (min)",
	}
	if err := f.SetSheetRow(sheetSteps, "A1", &header); err != nil {
		return 0, err
	}

	var records int64

	for i, step := range d.Conversion.Steps {
		row := []any{
			step.StepOrder, step.Label, step.TotalUsers,
			step.ConversionRateFromStart, step.DropOffRate, step.AvgStepTimeSeconds / 60,
		}

		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheetSteps, cell, &row); err != nil {
			return 0, err
		}

		records++
	}

	return records, nil
}

func writeEventsSheet(f *excelize.File, d *dataset) (int64, error) {
	if _, err := f.NewSheet(sheetEvents); err != nil {
		return 0, err
	}

	header := []any{
		"Anonymous ID", "Converted", "Step Type",
		"Step Identifier", "Timestamp", "Time Spent (s)",
	}
	if err := f.SetSheetRow(sheetEvents, "A1", &header); err != nil {
		return 0, err
	}

	var records int64

	for _, j := range d.Journeys {
		for _, ev := range j.Events {
			row := []any{
				j.AnonymousID, j.Converted, ev.StepType,
				ev.StepIdentifier, ev.Timestamp, ev.TimeSpentSeconds,
			}

			cell := fmt.Sprintf("A%d", records+2)
			if err := f.SetSheetRow(sheetEvents, cell, &row); err != nil {
				return 0, err
			}

			records++
		}
	}

	return records, nil
}
