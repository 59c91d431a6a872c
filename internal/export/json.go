package export

import (
	"encoding/json"
	"io"
	"time"
)

// writeJSON renders the dataset as a single JSON document:
// export_metadata + summary + step_data, extended with the optional
// detailed sections and raw journeys. Anonymization runs over the fully
// serialized tree so nested identifier fields are covered.
func writeJSON(w io.Writer, job *Job, d *dataset) (int64, error) {
	doc := map[string]any{
		"export_metadata": map[string]any{
			"export_id":   FormatID(job.ID),
			"export_type": job.Type,
			"format":      job.Format,
			"funnel_name": d.FunnelName,
			"date_range": map[string]string{
				"start_date": d.Window.Start.UTC().Format(time.RFC3339),
				"end_date":   d.Window.End.UTC().Format(time.RFC3339),
			},
			"anonymized":  job.Anonymize,
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		},
		"summary": map[string]any{
			"total_entries":               d.Conversion.Overall.TotalEntries,
			"total_conversions":           d.Conversion.Overall.TotalConversions,
			"conversion_rate":             d.Conversion.Overall.ConversionRate,
			"avg_time_to_convert_seconds": d.Conversion.Overall.AvgTimeToConvertSeconds,
		},
		"step_data": d.Conversion.Steps,
	}

	if d.DropOff != nil {
		doc["drop_off_analysis"] = d.DropOff
	}

	if d.Timing != nil {
		doc["timing_analysis"] = d.Timing
	}

	if d.Cohorts != nil {
		doc["cohort_analysis"] = d.Cohorts
	}

	if d.Attribution != nil {
		doc["attribution_analysis"] = d.Attribution
	}

	if len(d.Journeys) > 0 {
		doc["journeys"] = d.Journeys
	}

	if job.Anonymize {
		raw, err := json.Marshal(doc)
		if err != nil {
			return 0, err
		}

		var tree any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return 0, err
		}

		anonymized, ok := anonymizeTree(tree).(map[string]any)
		if ok {
			doc = anonymized
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return 0, err
	}

	return d.recordCount(), nil
}
