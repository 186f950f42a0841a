// Package idgen generates the lexicographically sortable identifiers used
// throughout the gateway (session, turn, message, job, ticket, request IDs).
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu  sync.Mutex
	ent = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string prefixed with kind, e.g. "sess_01J...".
// The entropy source is monotonic so IDs minted in the same millisecond by
// the same process still sort in generation order.
func New(kind string) string {
	mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ent)
	mu.Unlock()

	if kind == "" {
		return id.String()
	}
	return kind + "_" + id.String()
}

// Session, Turn, Message, Job, Ticket, Request, Node, Device, and Approval
// mint IDs for their respective domains; each is just New with a fixed
// prefix so call sites read as what they're naming rather than a bare string.
func Session() string  { return New("sess") }
func Turn() string     { return New("turn") }
func Message() string  { return New("msg") }
func Job() string      { return New("job") }
func Ticket() string   { return New("tkt") }
func Request() string  { return New("req") }
func Node() string     { return New("node") }
func Device() string   { return New("dev") }
func Approval() string { return New("appr") }
