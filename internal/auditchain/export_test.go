package auditchain

// Tamper rewrites an entry in place.
func (l *MemoryLog) Tamper(index int, fn func(*Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.entries[index])
}
