package core

import "time"

// Stats is an aggregate view over the whole job collection.
type Stats struct {
	TotalJobs           int
	StatusCounts        map[JobStatus]int
	AverageCompletionMS float64
	SuccessRate         float64
	Patterns            []PatternStat
}

// PatternStat describes how one fixed predicate over job attributes relates
// to the overall success rate. The patterns are descriptive heuristics over
// the current job set, not causal analysis.
type PatternStat struct {
	Name                  string
	Description           string
	MatchCount            int
	SuccessRate           float64
	DifferenceFromAverage float64
}

const longNameThreshold = 10

var statPatterns = []struct {
	name        string
	description string
	match       func(JobSnapshot) bool
}{
	{
		name:        "long_name",
		description: "job name longer than 10 characters",
		match:       func(j JobSnapshot) bool { return len(j.Name) > longNameThreshold },
	},
	{
		name:        "has_args",
		description: "submitted with at least one argument",
		match:       func(j JobSnapshot) bool { return len(j.Args) > 0 },
	},
	{
		name:        "retried",
		description: "retried at least once",
		match:       func(j JobSnapshot) bool { return j.RetryCount > 0 },
	},
	{
		name:        "high_priority",
		description: "priority 4 or higher",
		match:       func(j JobSnapshot) bool { return j.Priority >= 4 },
	},
}

func computeStats(jobs []JobSnapshot) Stats {
	stats := Stats{
		TotalJobs:    len(jobs),
		StatusCounts: make(map[JobStatus]int),
	}

	var completed int
	var totalCompletion time.Duration
	var timedCompletions int
	for _, j := range jobs {
		stats.StatusCounts[j.Status]++
		if j.Status == JobStatusCompleted {
			completed++
			if j.StartedAt != nil && j.CompletedAt != nil {
				totalCompletion += j.CompletedAt.Sub(*j.StartedAt)
				timedCompletions++
			}
		}
	}
	if timedCompletions > 0 {
		stats.AverageCompletionMS = float64(totalCompletion) / float64(time.Millisecond) / float64(timedCompletions)
	}
	if stats.TotalJobs > 0 {
		stats.SuccessRate = float64(completed) / float64(stats.TotalJobs)
	}

	stats.Patterns = make([]PatternStat, 0, len(statPatterns))
	for _, p := range statPatterns {
		var matched, matchedCompleted int
		for _, j := range jobs {
			if !p.match(j) {
				continue
			}
			matched++
			if j.Status == JobStatusCompleted {
				matchedCompleted++
			}
		}
		ps := PatternStat{
			Name:        p.name,
			Description: p.description,
			MatchCount:  matched,
		}
		if matched > 0 {
			ps.SuccessRate = float64(matchedCompleted) / float64(matched)
			ps.DifferenceFromAverage = ps.SuccessRate - stats.SuccessRate
		}
		stats.Patterns = append(stats.Patterns, ps)
	}
	return stats
}
