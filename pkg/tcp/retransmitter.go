package tcp

// retransmitter is the per-connection background task. Each poll it
// evaluates, in priority order: a change to the retransmit-deadline
// watched value (which restarts the wait), the deadline itself firing,
// and a change to the fast-retransmit-now flag. The flag is consumed
// with SetWithoutNotify so clearing it does not read back as another
// change on the next poll.
type retransmitter struct {
	cb              *ControlBlock
	deadlineVersion uint64
	flagVersion     uint64
}

func newRetransmitter(cb *ControlBlock) *retransmitter {
	r := &retransmitter{cb: cb}
	_, r.deadlineVersion = cb.retransmitDeadline.Get()
	r.flagVersion = cb.cc.RetransmitNow().Version()
	return r
}

// Poll advances the task; it completes only when the connection dies.
func (r *retransmitter) Poll() bool {
	cb := r.cb
	if cb.state == StateClosed {
		return true
	}

	deadline, dver := cb.retransmitDeadline.Get()
	if dver != r.deadlineVersion {
		// Deadline moved: restart the wait against the new value.
		r.deadlineVersion = dver
		return false
	}
	if deadline != nil && !cb.peer.now.Before(*deadline) {
		cb.retransmitTimeout()
		_, r.deadlineVersion = cb.retransmitDeadline.Get()
		return false
	}

	flagWatch := cb.cc.RetransmitNow()
	flag, fver := flagWatch.Get()
	if fver != r.flagVersion {
		r.flagVersion = fver
		if flag {
			flagWatch.SetWithoutNotify(false)
			cb.fastRetransmit()
		}
	}
	return false
}
