package policy

import "zerotrust-dns/pkg/storage"

// traceRecorder collects the stages consulted for one decision
type traceRecorder struct {
	entries []storage.TraceEntry
}

func newTraceRecorder() *traceRecorder {
	return &traceRecorder{entries: make([]storage.TraceEntry, 0, 4)}
}

// record appends a stage; an empty action means the stage passed
func (r *traceRecorder) record(stage string, action Action, rule, detail string) {
	a := string(action)
	if a == "" {
		a = "pass"
	}
	r.entries = append(r.entries, storage.TraceEntry{
		Stage:  stage,
		Action: a,
		Rule:   rule,
		Detail: detail,
	})
}
