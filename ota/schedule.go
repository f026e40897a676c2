package ota

// NextPending returns chunk index to send next, at or after from.
// First pass sends every chunk. Retry passes send only chunks in failed,
// ascending, so device decides what is delivered.
func NextPending(total int, failed map[int]struct{}, from int, firstPass bool) (int, bool) {
	if from < 0 {
		from = 0
	}
	if firstPass {
		if from < total {
			return from, true
		}
		return 0, false
	}
	for i := from; i < total; i++ {
		if _, ok := failed[i]; ok {
			return i, true
		}
	}
	return 0, false
}

// nextPending takes chosen index out of failed set atomically, so failure report
// for this chunk arriving after resend is kept for next pass.
func (self *Session) nextPending(pass int, from int) (int, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	i, ok := NextPending(self.totalChunks, self.failed, from, pass == 0)
	if ok && pass != 0 {
		delete(self.failed, i)
	}
	return i, ok
}
