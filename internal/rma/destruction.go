package rma

import "strings"

// DestructionDraft is the immutable destruction request validated as a whole.
type DestructionDraft struct {
	Method       DestructionMethod
	Location     string
	WitnessName  string
	WitnessTitle string
	Notes        string
	PhotoRefs    []string
}

// DestructionPlan is what the controller needs to carry out a validated destruction.
type DestructionPlan struct {
	Record       DestructionRecord
	TrackedItems []RegulatedItem
	Reporting    ReportingObligation
}

// MustReport reports whether destruction has to reach the tracking integration.
func (p DestructionPlan) MustReport() bool {
	return p.Reporting == ReportingRequired
}

// ValidateDestruction checks the draft, resolves the default method and
// computes the compliance totals and reporting obligation. It performs no I/O.
func ValidateDestruction(r RMA, draft DestructionDraft) (DestructionPlan, error) {
	if !r.Status.CanTransition(StatusDestroyed) {
		return DestructionPlan{}, ErrAlreadyFinalized
	}
	witness := strings.TrimSpace(draft.WitnessName)
	if witness == "" {
		return DestructionPlan{}, ErrMissingWitness
	}
	location := strings.TrimSpace(draft.Location)
	if location == "" {
		return DestructionPlan{}, ErrMissingLocation
	}
	method := DestructionMethod(strings.TrimSpace(string(draft.Method)))
	if method == "" {
		method = DefaultDestructionMethod
	}
	if !method.IsValid() {
		return DestructionPlan{}, ErrInvalidMethod
	}

	tracked := TrackedItems(r.Items)
	reporting := ReportingInternalOnly
	if len(tracked) > 0 {
		reporting = ReportingRequired
	}

	photos := make([]string, 0, len(draft.PhotoRefs))
	for _, ref := range draft.PhotoRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			photos = append(photos, ref)
		}
	}

	return DestructionPlan{
		Record: DestructionRecord{
			Method:           method,
			Location:         location,
			WitnessName:      witness,
			WitnessTitle:     strings.TrimSpace(draft.WitnessTitle),
			Notes:            strings.TrimSpace(draft.Notes),
			PhotoRefs:        photos,
			Totals:           Aggregate(r.Items),
			TrackedItemCount: len(tracked),
			ReportRequired:   reporting == ReportingRequired,
		},
		TrackedItems: tracked,
		Reporting:    reporting,
	}, nil
}
