package peering

import "go.uber.org/zap"

// LookupFound describes a successful peer discovery: the neighbor
// session the reply came through (the future gateway), the identity
// the neighbor advertised, and the relay path of the reply.
type LookupFound struct {
	Session *Session
	UUID    string
	Type    string
	Hops    []string
}

// lookupCollector gathers the replies of one scatter/gather round.
// The first FOUND wins; NOT_FOUNDs only count. The collector is
// retired once every neighbor replied, and the callback fires exactly
// once either way.
type lookupCollector struct {
	sent     int
	received int
	found    bool
	finished bool
	onFinish func(found *LookupFound)
}

func (c *lookupCollector) finish(found *LookupFound) {
	if c.finished {
		return
	}
	c.finished = true
	c.onFinish(found)
}

// Lookup queries every current neighbor for a peer of the given type.
// onFinish receives the first match, or nil when every neighbor
// answered NOT_FOUND. With zero neighbors it resolves synchronously.
// There is no timeout: the collector lives until all replies are in.
func (r *Router) Lookup(peerType string, onFinish func(found *LookupFound)) {
	r.mu.Lock()
	// user callback, deferred past the lock so it may reopen sessions
	r.lookup(peerType, func(found *LookupFound) {
		r.enqueue(func() { onFinish(found) })
	})
	r.mu.Unlock()
	r.runDeferred()
}

func (r *Router) lookup(peerType string, onFinish func(found *LookupFound)) {
	neighbors := r.sessions.Values()
	if len(neighbors) == 0 {
		onFinish(nil)
		return
	}

	c := &lookupCollector{
		sent:     len(neighbors),
		onFinish: onFinish,
	}
	r.collectors = append(r.collectors, c)

	for _, s := range neighbors {
		env := r.newEnvelope(ActionLookup)
		env.DestinationUUID = s.uuid
		env.DestinationType = peerType
		if err := s.send(env); err != nil {
			// counts as a silent NOT_FOUND
			r.logger.Warn("lookup send failed",
				zap.String("peer", s.uuid), zap.Error(err))
			c.received++
		}
	}
	r.retireIfDone(c)
}

// handleLookupReply feeds a FOUND/NOT_FOUND into the oldest active
// collector. Dispatch is serialized, so replies always belong to the
// round that has been waiting the longest.
func (r *Router) handleLookupReply(env *Envelope) {
	if len(r.collectors) == 0 {
		r.logger.Debug("dropping lookup reply with no collector",
			zap.String("origin", env.OriginUUID))
		return
	}
	c := r.collectors[0]
	c.received++

	if env.Action == ActionLookupFound && !c.found {
		if info, ok := asPeerInfo(env.Data); ok {
			if gateway, exists := r.sessions.Get(env.OriginUUID); exists {
				c.found = true
				c.finish(&LookupFound{
					Session: gateway,
					UUID:    info.UUID,
					Type:    info.Type,
					Hops:    env.Hops,
				})
			} else {
				r.logger.Debug("lookup reply through unknown session",
					zap.String("origin", env.OriginUUID))
			}
		}
	}
	r.retireIfDone(c)
}

func (r *Router) retireIfDone(c *lookupCollector) {
	if c.received < c.sent {
		return
	}
	for i, active := range r.collectors {
		if active == c {
			r.collectors = append(r.collectors[:i], r.collectors[i+1:]...)
			break
		}
	}
	if !c.found {
		c.finish(nil)
	}
}
