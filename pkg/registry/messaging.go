package registry

import (
	"time"

	"argo/pkg/cierrors"
	"argo/pkg/proto"
)

// Transport delivers a message to the connection identified by fd. The
// socket server implements this; tests substitute fakes.
type Transport interface {
	Deliver(fd int, msg *proto.Message) error
}

// SendMessage routes one JSON-encoded message from one CI to another.
// The recipient must exist and be READY or BUSY. Counters on both sides
// are updated before the transport attempt; a transport failure then
// stamps the recipient's error bookkeeping.
func (r *Registry) SendMessage(from, to string, messageJSON []byte) error {
	r.mu.Lock()

	toEntry, exists := r.entries[to]
	if !exists {
		r.mu.Unlock()
		return cierrors.Newf(cierrors.KindNotFound, "registry.send_message", "no CI named %q", to)
	}
	if !toEntry.Status.Live() {
		status := toEntry.Status
		r.mu.Unlock()
		r.log.Warn("Recipient CI %s is not ready (status: %s)", to, status)
		return cierrors.Newf(cierrors.KindStateConflict, "registry.send_message",
			"recipient %q is %s", to, status)
	}

	msg, err := proto.ParseMessage(messageJSON)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	if fromEntry, ok := r.entries[from]; ok {
		fromEntry.MessagesSent++
	}
	toEntry.MessagesReceived++

	fd := toEntry.socketFD
	tr := r.tr
	r.mu.Unlock()

	var sendErr error
	if tr == nil {
		sendErr = cierrors.New(cierrors.KindTransport, "registry.send_message", "no transport attached")
	} else {
		sendErr = tr.Deliver(fd, msg)
	}

	if sendErr != nil {
		r.mu.Lock()
		if entry, ok := r.entries[to]; ok {
			entry.ErrorsCount++
			entry.LastError = time.Now()
		}
		r.mu.Unlock()
		return cierrors.Wrap(cierrors.KindTransport, "registry.send_message", sendErr,
			"from "+from+" to "+to)
	}

	r.log.Debug("Message delivered from %s to %s", from, to)
	return nil
}

// BroadcastMessage sends one message to every live CI except the sender,
// optionally restricted to a role. An empty roleFilter matches all
// roles. Succeeds iff at least one delivery succeeded; zero eligible
// recipients fails without touching the transport. Returns the delivery
// count alongside any error.
func (r *Registry) BroadcastMessage(from, roleFilter string, messageJSON []byte) (int, error) {
	// Validate the payload once up front so a malformed broadcast fails
	// as a protocol error, not per recipient.
	if _, err := proto.ParseMessage(messageJSON); err != nil {
		return 0, err
	}

	r.mu.Lock()
	var targets []string
	for _, name := range r.order {
		entry := r.entries[name]
		if name == from {
			continue
		}
		if roleFilter != "" && entry.Role != roleFilter {
			continue
		}
		if !entry.Status.Live() {
			continue
		}
		targets = append(targets, name)
	}
	rec := r.rec
	r.mu.Unlock()

	if len(targets) == 0 {
		if rec != nil {
			rec.ObserveBroadcast(false)
		}
		return 0, cierrors.Newf(cierrors.KindNotFound, "registry.broadcast_message",
			"no live CI matches role %q", roleFilter)
	}

	delivered := 0
	for _, name := range targets {
		if err := r.SendMessage(from, name, messageJSON); err != nil {
			r.log.Warn("Broadcast delivery to %s failed: %v", name, err)
			continue
		}
		delivered++
	}

	if rec != nil {
		rec.ObserveBroadcast(delivered > 0)
	}
	if delivered == 0 {
		return 0, cierrors.Newf(cierrors.KindTransport, "registry.broadcast_message",
			"all %d deliveries failed", len(targets))
	}

	r.log.Debug("Broadcast from %s delivered to %d of %d CIs", from, delivered, len(targets))
	return delivered, nil
}
