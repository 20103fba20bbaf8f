package records

// Annotation marks a fabricated or assumed value on an event. Anything the
// pipeline guesses at (backfilled durations, clamped out-of-range values,
// equal-split combo boluses) must carry one so downstream consumers can tell
// measured data from inference.
type Annotation struct {
	Code      string `json:"code"`
	Value     string `json:"value,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

// Annotation codes.
const (
	AnnOutOfRange             = "bg/out-of-range"
	AnnUncertainTimestamp     = "uncertain-timestamp"
	AnnFlatRate               = "basal/flat-rate"
	AnnIncompleteTuple        = "status/incomplete-tuple"
	AnnFabricatedFromSchedule = "basal/fabricated-from-schedule"
	AnnEqualSplit             = "bolus/equal-split-assumed"
	AnnUnknownDuration        = "basal/unknown-duration"
	AnnUnknownCode            = "device/unknown-code"
)

// OutOfRangeHigh builds the annotation attached when a meter reports its
// saturated HI sentinel.
func OutOfRangeHigh(threshold int) Annotation {
	return Annotation{Code: AnnOutOfRange, Value: "high", Threshold: threshold}
}

// OutOfRangeLow is the LO counterpart.
func OutOfRangeLow(threshold int) Annotation {
	return Annotation{Code: AnnOutOfRange, Value: "low", Threshold: threshold}
}

// Annotate appends ann to the event unless an annotation with the same code
// is already present.
func Annotate(ev *CanonicalEvent, ann Annotation) {
	for _, existing := range ev.Annotations {
		if existing.Code == ann.Code {
			return
		}
	}
	ev.Annotations = append(ev.Annotations, ann)
}
