package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

var csvHeader = []string{
	"run_id", "name", "serial", "status",
	"wipe_sent", "management_sent", "registry_sent", "directory_sent",
	"verified", "started_at",
}

// CSVHeader returns the export columns.
func CSVHeader() []string {
	return append([]string(nil), csvHeader...)
}

// CSVRecord renders one result as an export row.
func CSVRecord(r *models.DeviceReconciliationResult) []string {
	wipeSent := r.Wipe != nil && r.Wipe.Found && r.Wipe.Success

	verified := len(r.Verified) > 0
	for _, ok := range r.Verified {
		verified = verified && ok
	}

	return []string{
		r.RunID,
		r.Identity.Name,
		r.Identity.Serial,
		string(Classify(r)),
		strconv.FormatBool(wipeSent),
		strconv.FormatBool(r.Services[models.ServiceManagement].Sent()),
		strconv.FormatBool(r.Services[models.ServiceRegistry].Sent()),
		strconv.FormatBool(r.Services[models.ServiceDirectory].Sent()),
		strconv.FormatBool(verified && !r.VerificationTimedOut),
		r.StartedAt.UTC().Format(time.RFC3339),
	}
}

// WriteCSV writes the delimited export for a report.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, e := range r.Entries {
		if err := cw.Write(CSVRecord(e.Result)); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}
