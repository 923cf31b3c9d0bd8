package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/accordsai/negotiationlane/pkg/canonhash"
	"github.com/accordsai/negotiationlane/pkg/domain"
)

var csvHeader = []string{
	"eventId", "subjectId", "negotiationType", "createdAt", "actorId", "actorRole",
	"eventType", "closesNegotiation", "proposedValue", "note", "proposalContext",
}

// WriteCSV writes one row per event in bundle order. JSON-valued columns hold
// canonical JSON. The CSV form never carries an attestation.
func WriteCSV(w io.Writer, bundle Bundle) error {
	if bundle.Attestation != nil {
		return domain.ErrCSVCannotAttest
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, ev := range bundle.Events {
		value := ""
		if len(ev.ProposedValue) > 0 {
			b, err := canonhash.CanonicalizeJSON(ev.ProposedValue)
			if err != nil {
				return err
			}
			value = string(b)
		}
		pc := ""
		if ev.ProposalContext != nil {
			b, err := canonhash.Canonicalize(ev.ProposalContext)
			if err != nil {
				return err
			}
			pc = string(b)
		}
		row := []string{
			ev.ID,
			ev.SubjectID,
			ev.NegotiationType,
			ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			ev.ActorID,
			string(ev.ActorRole),
			string(ev.EventType),
			strconv.FormatBool(ev.ClosesNegotiation),
			value,
			ev.Note,
			pc,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
