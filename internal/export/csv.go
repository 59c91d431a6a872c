package export

import (
	"encoding/csv"
	"io"
	"strconv"
)

var (
	stepCSVHeader = []string{
		"funnel_name", "step_order", "step_name", "unique_users",
		"conversion_rate_percent", "drop_off_percent", "avg_completion_minutes", "date_range",
	}

	rawCSVHeader = []string{
		"anonymous_id", "converted", "step_type", "step_identifier",
		"timestamp", "time_spent_seconds",
	}
)

// writeCSV renders the dataset as CSV. Summary and detailed exports emit
// one row per funnel step; raw exports emit one row per journey event.
func writeCSV(w io.Writer, d *dataset) (int64, error) {
	cw := csv.NewWriter(w)

	if len(d.Journeys) > 0 {
		records, err := writeRawCSV(cw, d)
		if err != nil {
			return 0, err
		}

		cw.Flush()

		return records, cw.Error()
	}

	if err := cw.Write(stepCSVHeader); err != nil {
		return 0, err
	}

	var records int64

	for _, step := range d.Conversion.Steps {
		row := []string{
			d.FunnelName,
			strconv.Itoa(step.StepOrder),
			step.Label,
			strconv.FormatInt(step.TotalUsers, 10),
			formatFloat(step.ConversionRateFromStart),
			formatFloat(step.DropOffRate),
			formatFloat(step.AvgStepTimeSeconds / 60),
			d.dateRange(),
		}

		if err := cw.Write(row); err != nil {
			return 0, err
		}

		records++
	}

	cw.Flush()

	return records, cw.Error()
}

func writeRawCSV(cw *csv.Writer, d *dataset) (int64, error) {
	if err := cw.Write(rawCSVHeader); err != nil {
		return 0, err
	}

	var records int64

	for _, j := range d.Journeys {
		for _, ev := range j.Events {
			row := []string{
				j.AnonymousID,
				strconv.FormatBool(j.Converted),
				ev.StepType,
				ev.StepIdentifier,
				ev.Timestamp,
				formatFloat(ev.TimeSpentSeconds),
			}

			if err := cw.Write(row); err != nil {
				return 0, err
			}

			records++
		}
	}

	return records, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
