package telemetry

import (
	"strings"
	"sync"
)

// Report is a single call recorded by Recorder.
type Report struct {
	Level  Level
	Id     string
	Params []any
}

// Recorder implements API by keeping every report in memory, it is meant to
// be injected in tests that assert on warnings and breakages.
type Recorder struct {
	mu      sync.Mutex
	reports []Report
	counts  map[string]int64
}

func NewRecorder() *Recorder {
	return &Recorder{counts: map[string]int64{}}
}

func (r *Recorder) add(level Level, id string, params []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Level: level, Id: id, Params: params})
}

func (r *Recorder) ReportBroken(id string, params ...any) {
	r.add(LevelBroken, id, params)
}

func (r *Recorder) ReportWarning(id string, params ...any) {
	r.add(LevelWarning, id, params)
}

func (r *Recorder) ReportDebug(msg string, params ...any) {
	r.add(LevelDebug, msg, params)
}

func (r *Recorder) ReportCount(id string, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[id] = count
}

// Reports returns every report of the given level whose id contains `id`.
func (r *Recorder) Reports(level Level, id string) []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Report
	for _, rep := range r.reports {
		if rep.Level == level && strings.Contains(rep.Id, id) {
			out = append(out, rep)
		}
	}
	return out
}

// Count returns the last count reported under an id ending with `id`.
func (r *Recorder) Count(id string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.counts {
		if strings.HasSuffix(k, id) {
			return v, true
		}
	}
	return 0, false
}
