package api

import (
	"net/http"
	"time"

	"github.com/jaafar-jad/solostore/auth"
	"github.com/jaafar-jad/solostore/notify"
)

// eventStream is one user's durable hub subscriptions. Created on the
// first poll and kept across polls so events between requests are not
// lost (up to the hub buffer; a slow poller loses oldest first).
type eventStream struct {
	subs []*notify.Subscription
}

func (es *eventStream) drain() []notify.Event {
	var out []notify.Event
	for _, sub := range es.subs {
	loop:
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					break loop
				}
				out = append(out, ev)
			default:
				break loop
			}
		}
	}
	return out
}

// stream returns the caller's event stream, creating it on first use.
// Operators additionally subscribe to the review audience.
func (s *Server) stream(claims *auth.Claims) *eventStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.streams[claims.UserID]
	if !ok {
		es = &eventStream{subs: []*notify.Subscription{s.hub.Subscribe(claims.UserID, 64)}}
		if claims.Role == auth.RoleOperator {
			es.subs = append(es.subs, s.hub.Subscribe(notify.AudienceOperators, 64))
		}
		s.streams[claims.UserID] = es
	}
	return es
}

// handleEvents is the long-poll binding of the push channel: it waits up
// to wait_ms (default 20s, capped at 60s) for events on the caller's
// queue and returns whatever accumulated.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	es := s.stream(claims)

	waitMS := queryInt(r, "wait_ms", 20000)
	if waitMS < 0 {
		waitMS = 0
	}
	if waitMS > 60000 {
		waitMS = 60000
	}
	deadline := time.Now().Add(time.Duration(waitMS) * time.Millisecond)

	for {
		events := es.drain()
		if len(events) > 0 || !time.Now().Before(deadline) || r.Context().Err() != nil {
			if events == nil {
				events = []notify.Event{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"events": events})
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(25 * time.Millisecond):
		}
	}
}
