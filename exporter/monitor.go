package exporter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"woreda-stats/earthengine"
	"woreda-stats/metrics"
)

const DefaultPollInterval = 30 * time.Second

// StatusClient queries the current status of one export job.
type StatusClient interface {
	Status(ctx context.Context, jobID string) (earthengine.Status, error)
}

// Outcome is the final recorded state of one job.
type Outcome struct {
	JobID        string
	FeatureID    string
	Description  string
	State        JobState
	RawState     string
	ErrorMessage string
	// Unrecognized is set when the backend reported a state outside the
	// known set; State is then UNKNOWN.
	Unrecognized bool
}

// Report summarizes a Wait call. Outcomes follow the order of the input jobs
// and only contain jobs that reached a terminal state; Pending holds the rest.
type Report struct {
	Outcomes []Outcome
	Pending  []*ExportJob
	Rounds   int
	TimedOut bool
}

// Succeeded is true iff every job ended COMPLETED.
func (r Report) Succeeded() bool {
	if r.TimedOut || len(r.Pending) > 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if o.State != StateCompleted {
			return false
		}
	}
	return true
}

// Counts returns the number of outcomes per terminal state.
func (r Report) Counts() map[JobState]int {
	counts := make(map[JobState]int)
	for _, o := range r.Outcomes {
		counts[o.State]++
	}
	return counts
}

// Monitor polls export jobs until each one is terminal.
type Monitor struct {
	Client   StatusClient
	Interval time.Duration
	// MaxRounds and MaxDuration bound the wait; zero disables a bound.
	MaxRounds   int
	MaxDuration time.Duration
	// OnChange is called after a job's cached state changed.
	OnChange func(job *ExportJob)
	// Sleep waits between rounds. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Wait drives jobs to a terminal state. A failed job never stops the
// monitoring of its siblings, and a failed status query leaves the job
// active for the next round. Jobs already terminal are recorded without
// being queried. When a bound is hit the report is returned with TimedOut
// set; when ctx ends the partial report is returned with ctx.Err().
func (m *Monitor) Wait(ctx context.Context, jobs []*ExportJob) (Report, error) {
	sleep := m.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := m.Now
	if now == nil {
		now = time.Now
	}
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	logrus.Infof("Monitoring %d tasks...", len(jobs))
	outcomes := make(map[*ExportJob]Outcome, len(jobs))
	var active []*ExportJob
	for _, job := range jobs {
		if job.State.Terminal() {
			outcomes[job] = outcomeOf(job)
			continue
		}
		active = append(active, job)
	}

	report := Report{}
	start := now()
	for len(active) > 0 {
		report.Rounds++
		metrics.MonitorRounds.Inc()

		var still []*ExportJob
		for i, job := range active {
			if err := ctx.Err(); err != nil {
				return m.finish(report, jobs, outcomes, append(still, active[i:]...)), err
			}
			st, err := m.Client.Status(ctx, job.ID)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"job_id":      job.ID,
					"description": job.Description,
				}).Warnf("Status query failed: %v", err)
				metrics.StatusQueryErrors.Inc()
				still = append(still, job)
				continue
			}
			if outcome, done := m.observe(job, st); done {
				outcomes[job] = outcome
				continue
			}
			still = append(still, job)
		}
		active = still
		if len(active) == 0 {
			break
		}

		wait := interval
		if m.MaxRounds > 0 && report.Rounds >= m.MaxRounds {
			report.TimedOut = true
			break
		}
		if m.MaxDuration > 0 {
			remaining := m.MaxDuration - now().Sub(start)
			if remaining <= 0 {
				report.TimedOut = true
				break
			}
			wait = min(wait, remaining)
		}

		logrus.Infof("%d tasks still active. Waiting %v...", len(active), wait)
		if err := sleep(ctx, wait); err != nil {
			return m.finish(report, jobs, outcomes, active), err
		}
	}

	report = m.finish(report, jobs, outcomes, active)
	if report.TimedOut {
		logrus.Warnf("Gave up after %d rounds with %d tasks still active", report.Rounds, len(report.Pending))
	} else {
		logrus.Infof("All tasks monitored after %d rounds", report.Rounds)
	}
	return report, nil
}

// observe applies a status to job and reports whether the job is now terminal.
func (m *Monitor) observe(job *ExportJob, st earthengine.Status) (Outcome, bool) {
	state, known := ClassifyState(st.State)
	log := logrus.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"description": job.Description,
		"woreda_id":   job.FeatureID,
	})

	changed := job.advance(state, st.State)
	if state == StateFailed {
		job.ErrorMessage = st.ErrorMessage
	}
	if changed && m.OnChange != nil {
		m.OnChange(job)
	}
	if !job.State.Terminal() {
		return Outcome{}, false
	}

	switch {
	case !known:
		log.Warnf("Task %s - unrecognized state %q, treating as terminal", job.Description, st.State)
	case state == StateCompleted:
		log.Infof("Task %s - COMPLETED", job.Description)
	case state == StateFailed:
		msg := st.ErrorMessage
		if msg == "" {
			msg = "No error message."
		}
		log.Errorf("Task %s - FAILED. Error: %s", job.Description, msg)
	}
	metrics.ExportJobsTerminal.WithLabelValues(string(job.State)).Inc()
	return outcomeOf(job), true
}

func (m *Monitor) finish(report Report, jobs []*ExportJob, outcomes map[*ExportJob]Outcome, pending []*ExportJob) Report {
	report.Outcomes = make([]Outcome, 0, len(outcomes))
	for _, job := range jobs {
		if o, ok := outcomes[job]; ok {
			report.Outcomes = append(report.Outcomes, o)
		}
	}
	report.Pending = pending
	return report
}

func outcomeOf(job *ExportJob) Outcome {
	return Outcome{
		JobID:        job.ID,
		FeatureID:    job.FeatureID,
		Description:  job.Description,
		State:        job.State,
		RawState:     job.RawState,
		ErrorMessage: job.ErrorMessage,
		Unrecognized: job.State == StateUnknown,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
