package engine

// FailScore is the floor a parent resolves to when its policy commits to failure.
const FailScore = 0.0

// Aggregate computes a parent score from its direct children's scores.
//
// With isGroup set, one successful child is enough; failure is committed only
// once every child has reported and none succeeded. Otherwise every child must
// succeed, and a single failing child commits the parent to failure. A nil
// result means the parent stays pending.
func Aggregate(children []*float64, expectedScore float64, isGroup bool) *float64 {
	if len(children) == 0 {
		return nil
	}
	var resolved, success, fail int
	for _, c := range children {
		if c == nil {
			continue
		}
		resolved++
		if *c >= expectedScore {
			success++
		} else {
			fail++
		}
	}
	if resolved == 0 {
		return nil
	}
	all := resolved == len(children)
	if isGroup {
		switch {
		case success > 0:
			return scorePtr(expectedScore)
		case all && fail == len(children):
			return scorePtr(FailScore)
		}
		return nil
	}
	switch {
	case all && success == len(children):
		return scorePtr(expectedScore)
	case fail > 0:
		return scorePtr(FailScore)
	}
	return nil
}

func scorePtr(v float64) *float64 {
	return &v
}

func sameScore(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
