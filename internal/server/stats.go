package server

// Stats is the observability snapshot the reactor takes on every
// idle-sweep tick; the tick's debug log line carries its active
// connection count, queue depth, and active worker count.
type Stats struct {
	ActiveConnections int
	TotalConnections  uint64
	TotalRequests     uint64
	QueueDepth        int
	ActiveWorkers     int64
	CompletedTasks    uint64
	SubmittedTasks    uint64
}

// Stats gathers a point-in-time snapshot across the connection table and
// worker pool.
func (r *Reactor) Stats() Stats {
	ps := r.pool.Stats()
	return Stats{
		ActiveConnections: r.table.Active(),
		TotalConnections:  r.table.TotalConnections(),
		TotalRequests:     r.table.TotalRequests(),
		QueueDepth:        ps.QueueDepth,
		ActiveWorkers:     ps.ActiveWorkers,
		CompletedTasks:    ps.Completed,
		SubmittedTasks:    ps.Submitted,
	}
}
