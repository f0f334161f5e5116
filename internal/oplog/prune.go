package oplog

// Prune evicts the bodies of all but the newest maxHistory entries and
// returns how many were evicted. The causal index of every entry stays in
// memory, so heads and later joins are unaffected. A negative maxHistory,
// or a log without a Loader, disables pruning.
func (l *Log) Prune(maxHistory int) int {
	if maxHistory < 0 || l.loader == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for i := len(l.order) - maxHistory - 1; i >= 0; i-- {
		n := l.order[i]
		if n.body != nil {
			n.body = nil
			evicted++
		}
	}
	return evicted
}

// Resident returns how many entry bodies are held in memory.
func (l *Log) Resident() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, n := range l.order {
		if n.body != nil {
			count++
		}
	}
	return count
}
