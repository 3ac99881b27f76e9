package provider

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// SessionIDs allocates "<provider>-<counter>-<unixMillis>" session ids.
type SessionIDs struct {
	provider string
	counter  atomic.Uint64
	now      func() time.Time
}

// NewSessionIDs returns an allocator for providerID.
func NewSessionIDs(providerID string) *SessionIDs {
	return &SessionIDs{provider: providerID, now: time.Now}
}

// Next returns a fresh session id.
func (s *SessionIDs) Next() string {
	n := s.counter.Add(1)
	return fmt.Sprintf("%s-%d-%d", s.provider, n, s.now().UnixMilli())
}

// HasProviderPrefix reports whether sessionID was minted for providerID.
func HasProviderPrefix(sessionID, providerID string) bool {
	return providerID != "" && strings.HasPrefix(sessionID, providerID+"-")
}
