package host

import "time"

// ackKey identifies one outstanding reliable send, keyed by
// (destination_client_id, sequence).
type ackKey struct {
	clientID uint8
	sequence uint16
}

// ackTracker is one reliable send awaiting acknowledgment.
type ackTracker struct {
	packet  []byte
	sentAt  time.Time
	retries int
}

// ackRegistry owns every in-flight reliable send. It is a plain map
// mutated only from the Host's single loop thread.
type ackRegistry struct {
	entries map[ackKey]*ackTracker
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{entries: make(map[ackKey]*ackTracker)}
}

func (a *ackRegistry) track(clientID uint8, sequence uint16, packet []byte, now time.Time) {
	a.entries[ackKey{clientID, sequence}] = &ackTracker{packet: packet, sentAt: now}
}

// ack removes the tracker for (clientID, sequence), if any. Acks for
// unknown sequences are idempotent no-ops.
func (a *ackRegistry) ack(clientID uint8, sequence uint16) {
	delete(a.entries, ackKey{clientID, sequence})
}

// dropClient removes every tracker belonging to clientID, used on
// disconnect.
func (a *ackRegistry) dropClient(clientID uint8) {
	for k := range a.entries {
		if k.clientID == clientID {
			delete(a.entries, k)
		}
	}
}

func (a *ackRegistry) len() int { return len(a.entries) }

// dueRetry is one tracker that has crossed host_ack_timeout, reported
// by sweep for the caller to resend or abandon.
type dueRetry struct {
	key     ackKey
	tracker *ackTracker
}

// sweep finds every tracker overdue for retry, returns it for the caller
// to resend (counting the retry) up to maxRetries, and drops (returning
// as expired) any that have exceeded it.
func (a *ackRegistry) sweep(now time.Time, timeout time.Duration, maxRetries int) (toResend []dueRetry, expired []dueRetry) {
	for k, t := range a.entries {
		if now.Sub(t.sentAt) < timeout {
			continue
		}
		if t.retries >= maxRetries {
			expired = append(expired, dueRetry{key: k, tracker: t})
			delete(a.entries, k)
			continue
		}
		t.retries++
		t.sentAt = now
		toResend = append(toResend, dueRetry{key: k, tracker: t})
	}
	return toResend, expired
}
