package domain

import "time"

// StageReport counts completions of one stage
type StageReport struct {
	OnTime int `json:"on_time"`
	Late   int `json:"late"`
	Total  int `json:"total"`
}

// Report aggregates stage completions whose completion date falls in
// [Start, End]
type Report struct {
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	StageOne       StageReport `json:"stage_one"`
	StageTwo       StageReport `json:"stage_two"`
	OnTime         int         `json:"on_time"`
	Late           int         `json:"late"`
	Total          int         `json:"total"`
	ComplianceRate float64     `json:"compliance_rate"`
}

// BuildReport counts on-time and late completions per stage. The rate is
// onTime/total, or 0 when nothing completed in the window.
func BuildReport(records []*ComplianceRecord, start, end time.Time) *Report {
	report := &Report{Start: CivilDate(start), End: CivilDate(end)}

	for _, r := range records {
		for _, stage := range []Stage{StageOne, StageTwo} {
			at := r.CompletedAt(stage)
			if at == nil {
				continue
			}
			day := CivilDate(*at)
			if day.Before(report.Start) || day.After(report.End) {
				continue
			}

			sr := &report.StageOne
			if stage == StageTwo {
				sr = &report.StageTwo
			}
			sr.Total++
			if r.CompletedOnTime(stage) {
				sr.OnTime++
			} else {
				sr.Late++
			}
		}
	}

	report.OnTime = report.StageOne.OnTime + report.StageTwo.OnTime
	report.Late = report.StageOne.Late + report.StageTwo.Late
	report.Total = report.StageOne.Total + report.StageTwo.Total
	if report.Total > 0 {
		report.ComplianceRate = float64(report.OnTime) / float64(report.Total)
	}
	return report
}
