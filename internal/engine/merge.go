package engine

import "expectline/internal/domain"

// MergeResult replaces any result from r.SourceID with r and recomputes the
// record's own score. Human-response records only ever keep the latest verdict.
func MergeResult(e *domain.Expectation, r domain.Result) {
	if e.Type.HumanResponse() {
		e.Results = []domain.Result{r}
	} else {
		kept := make([]domain.Result, 0, len(e.Results)+1)
		for _, existing := range e.Results {
			if existing.SourceID != r.SourceID {
				kept = append(kept, existing)
			}
		}
		e.Results = append(kept, r)
	}
	e.Score = ownScore(e.Results)
}

// RemoveResult drops the result contributed by sourceID. It reports whether
// anything was removed.
func RemoveResult(e *domain.Expectation, sourceID string) bool {
	kept := make([]domain.Result, 0, len(e.Results))
	for _, existing := range e.Results {
		if existing.SourceID != sourceID {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(e.Results) {
		return false
	}
	e.Results = kept
	e.Score = ownScore(e.Results)
	return true
}

func ownScore(results []domain.Result) *float64 {
	if len(results) == 0 {
		return nil
	}
	best := results[0].Score
	for _, r := range results[1:] {
		if r.Score > best {
			best = r.Score
		}
	}
	return &best
}

// ResultLabel names a score the way operators read it when a source sent no label.
func ResultLabel(t domain.ExpectationType, score *float64, expected float64) string {
	if score == nil {
		return "Pending"
	}
	ok := *score >= expected
	switch t {
	case domain.TypeDetection:
		return pick(ok, "Detected", "Not Detected")
	case domain.TypePrevention:
		return pick(ok, "Prevented", "Not Prevented")
	case domain.TypeVulnerability:
		return pick(ok, "Not Vulnerable", "Vulnerable")
	}
	if *score > 0 && !ok {
		return "Partial"
	}
	return pick(ok, "Success", "Failed")
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}
