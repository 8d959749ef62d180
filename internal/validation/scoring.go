package validation

// WeightedCheck pairs a check with its scoring weight.
type WeightedCheck struct {
	Check  Check
	Weight float64
}

// Aggregation folds the scored check results of one pass into a 0–100 score.
// Optional results are filtered out before aggregation.
type Aggregation func(results []CheckResult) float64

// WeightedAverage scores sum(weight*score)/sum(weight). With equal weights
// this is 100 * passed / total.
func WeightedAverage(results []CheckResult) float64 {
	var total, weighted float64
	for _, r := range results {
		total += r.Weight
		weighted += r.Weight * r.Score
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// AllMustPass scores 100 when every check passed and 0 otherwise.
func AllMustPass(results []CheckResult) float64 {
	if len(results) == 0 {
		return 0
	}
	for _, r := range results {
		if !r.Passed {
			return 0
		}
	}
	return 100
}
