package sessionmgr

// subscriberBufferSize bounds each subscriber's event channel; a slow
// consumer drops events rather than blocking a session's emit path,
// matching the teacher's non-blocking select/default broadcast pattern
// (internal/relay/workers.go).
const subscriberBufferSize = 64

// Subscribe registers a new dashboard/client subscriber for events on
// the named sessions and returns the channel it will receive them on;
// Unsubscribe removes it again. Passing no sessionIDs subscribes to
// none; widen later via Watch.
func (m *Manager) Subscribe(subscriberID string, sessionIDs []string) <-chan Event {
	sub := &subscriber{
		id:         subscriberID,
		ch:         make(chan Event, subscriberBufferSize),
		sessionIDs: make(map[string]struct{}, len(sessionIDs)),
	}

	m.subMu.Lock()
	m.subs[subscriberID] = sub
	for _, sid := range sessionIDs {
		sub.sessionIDs[sid] = struct{}{}
		if m.sessionSubs[sid] == nil {
			m.sessionSubs[sid] = make(map[string]*subscriber)
		}
		m.sessionSubs[sid][subscriberID] = sub
	}
	m.subMu.Unlock()

	return sub.ch
}

// Watch adds sessionID to subscriberID's membership set, if the
// subscriber is still registered.
func (m *Manager) Watch(subscriberID, sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	sub, ok := m.subs[subscriberID]
	if !ok {
		return
	}
	sub.sessionIDs[sessionID] = struct{}{}
	if m.sessionSubs[sessionID] == nil {
		m.sessionSubs[sessionID] = make(map[string]*subscriber)
	}
	m.sessionSubs[sessionID][subscriberID] = sub
}

// Unsubscribe removes subscriberID entirely, closing its channel.
func (m *Manager) Unsubscribe(subscriberID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	sub, ok := m.subs[subscriberID]
	if !ok {
		return
	}
	delete(m.subs, subscriberID)
	for sid := range sub.sessionIDs {
		if set := m.sessionSubs[sid]; set != nil {
			delete(set, subscriberID)
			if len(set) == 0 {
				delete(m.sessionSubs, sid)
			}
		}
	}
	close(sub.ch)
}

// scrubSubscriptions removes sessionID from every subscriber's
// membership set on session deletion, without tearing down the
// subscriber itself (it may still be watching other sessions).
func (m *Manager) scrubSubscriptions(sessionID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	set, ok := m.sessionSubs[sessionID]
	if !ok {
		return
	}
	for subscriberID, sub := range set {
		delete(sub.sessionIDs, sessionID)
		_ = subscriberID
	}
	delete(m.sessionSubs, sessionID)
}

// broadcast fans an event out to every subscriber watching its session,
// dropping the event for any subscriber whose channel is full rather
// than blocking the emitting session (grounded on the teacher's
// non-blocking select/default send in internal/relay/workers.go).
func (m *Manager) broadcast(ev Event) {
	m.subMu.RLock()
	set := m.sessionSubs[ev.SessionID]
	targets := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		targets = append(targets, sub)
	}
	m.subMu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
