package export

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/funneld-io/funneld/internal/analytics"
)

// rawJourneyEventLimit caps raw_events exports per journey.
const rawJourneyEventLimit = 50

type (
	// dataset is the assembled material an export renders. It is cached
	// per (funnel, config hash) so repeated exports of the same window
	// reuse one round of analytics.
	dataset struct {
		FunnelName  string                       `json:"funnel_name"`
		Window      analytics.TimeWindow         `json:"-"`
		Conversion  *analytics.ConversionResult  `json:"conversion"`
		DropOff     *analytics.DropOffResult     `json:"drop_off,omitempty"`
		Timing      *analytics.TimingResult      `json:"timing,omitempty"`
		Cohorts     *analytics.CohortResult      `json:"cohorts,omitempty"`
		Attribution *analytics.AttributionResult `json:"attribution,omitempty"`
		Journeys    []journeyDoc                 `json:"journeys,omitempty"`
	}

	// journeyDoc is the wire form of one user journey in raw exports.
	journeyDoc struct {
		AnonymousID string            `json:"anonymous_id"`
		Converted   bool              `json:"converted"`
		Events      []journeyEventDoc `json:"events"`
	}

	// journeyEventDoc is one journey event on the wire.
	journeyEventDoc struct {
		StepType         string  `json:"step_type"`
		StepIdentifier   string  `json:"step_identifier"`
		Timestamp        string  `json:"timestamp"`
		TimeSpentSeconds float64 `json:"time_spent_seconds"`
	}
)

// journeyDocs converts repository journeys to their wire form.
func journeyDocs(journeys []analytics.UserJourney) []journeyDoc {
	docs := make([]journeyDoc, 0, len(journeys))

	for _, j := range journeys {
		doc := journeyDoc{
			AnonymousID: j.AnonymousID,
			Converted:   j.Converted,
			Events:      make([]journeyEventDoc, 0, len(j.Events)),
		}

		for _, ev := range j.Events {
			doc.Events = append(doc.Events, journeyEventDoc{
				StepType:         ev.StepType,
				StepIdentifier:   ev.StepIdentifier,
				Timestamp:        ev.Timestamp.UTC().Format(time.RFC3339),
				TimeSpentSeconds: ev.TimeSpentSeconds,
			})
		}

		docs = append(docs, doc)
	}

	return docs
}

// anonymize hashes user identifiers in place.
func (d *dataset) anonymize() {
	for i := range d.Journeys {
		d.Journeys[i].AnonymousID = hashIdentifier(d.Journeys[i].AnonymousID)
	}
}

// recordCount is the number of data rows the dataset renders to.
func (d *dataset) recordCount() int64 {
	if len(d.Journeys) > 0 {
		var n int64
		for _, j := range d.Journeys {
			n += int64(len(j.Events))
		}

		return n
	}

	if d.Conversion == nil {
		return 0
	}

	return int64(len(d.Conversion.Steps))
}

// dateRange renders the window for file output.
func (d *dataset) dateRange() string {
	return d.Window.Start.UTC().Format("2006-01-02") + " to " + d.Window.End.UTC().Format("2006-01-02")
}

// configHash fingerprints the export configuration for cache keying. Equal
// requests against one funnel share one cached dataset.
func configHash(job *Job) string {
	payload, err := json.Marshal(job.Request)
	if err != nil {
		payload = []byte(string(job.Type) + string(job.Format))
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])[:16]
}

// exportCacheKey is the shared analytics/export cache key for a dataset.
func exportCacheKey(funnelID int64, hash string) string {
	return fmt.Sprintf("export_data:%d:%s", funnelID, hash)
}
