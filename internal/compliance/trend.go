package compliance

import "github.com/ctms/ctms/internal/platform/caldate"

// DefaultTrendMonths is the window used when the caller does not pick one.
const DefaultTrendMonths = 12

// TrendPoint is one calendar month of the compliance trend.
type TrendPoint struct {
	Month           string  `json:"month"`
	VisitTimingRate float64 `json:"visit_timing_rate"`
	EligibleVisits  int     `json:"eligible_visits"`
	DrugCompliance  float64 `json:"drug_compliance"`
	EvaluatedCycles int     `json:"evaluated_cycles"`
}

// TrendSeries is a contiguous run of monthly points, oldest first.
type TrendSeries struct {
	From    string       `json:"from"`
	Through string       `json:"through"`
	Points  []TrendPoint `json:"points"`
}

type meanAcc struct {
	sum float64
	n   int
}

func (a *meanAcc) add(v float64) {
	a.sum += v
	a.n++
}

func (a meanAcc) mean() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

// BuildTrends buckets visit timing and drug compliance by calendar month over
// the monthCount months ending with through's month.
//
// A completed visit counts as 100 when in window and 0 when out of window;
// visits with an unknown window are left out of both sides of the average.
// Cycles are placed by BucketDate and contribute their uncapped percentage;
// open containers contribute nothing. Months without data are zero-valued.
func BuildTrends(visits []VisitRecord, cycles []CycleRecord, monthCount int, through caldate.Date) TrendSeries {
	if monthCount <= 0 {
		monthCount = DefaultTrendMonths
	}
	first := through.StartOfMonth().AddMonths(-(monthCount - 1))

	points := make([]TrendPoint, monthCount)
	index := make(map[string]int, monthCount)
	for i := range points {
		key := first.AddMonths(i).MonthKey()
		points[i].Month = key
		index[key] = i
	}

	visitAcc := make([]meanAcc, monthCount)
	for _, v := range visits {
		if !v.Eligible() {
			continue
		}
		i, ok := index[v.VisitDate.MonthKey()]
		if !ok {
			continue
		}
		if *v.Timing.WithinWindow {
			visitAcc[i].add(100)
		} else {
			visitAcc[i].add(0)
		}
	}

	cycleAcc := make([]meanAcc, monthCount)
	for _, c := range cycles {
		if !c.Evaluated() {
			continue
		}
		i, ok := index[c.BucketDate().MonthKey()]
		if !ok {
			continue
		}
		cycleAcc[i].add(c.Result.CompliancePercentage)
	}

	for i := range points {
		points[i].EligibleVisits = visitAcc[i].n
		points[i].VisitTimingRate = roundTo(visitAcc[i].mean(), 1)
		points[i].EvaluatedCycles = cycleAcc[i].n
		points[i].DrugCompliance = roundTo(cycleAcc[i].mean(), 1)
	}

	return TrendSeries{
		From:    points[0].Month,
		Through: points[len(points)-1].Month,
		Points:  points,
	}
}
