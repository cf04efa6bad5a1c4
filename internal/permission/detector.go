package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// DoomLoopThreshold is the number of identical consecutive calls before
// the detector trips.
const DoomLoopThreshold = 3

// DoomLoopDetector tracks repeated tool calls per session so the bridge
// can force a prompt when the agent appears stuck repeating itself,
// even for tools that would otherwise auto-allow.
type DoomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string // sessionID -> recent call hashes
}

// NewDoomLoopDetector creates a detector.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{history: make(map[string][]string)}
}

// Check records the call and reports whether it is the Nth identical
// call in a row for the session.
func (d *DoomLoopDetector) Check(sessionID, toolName string, parameters []byte) bool {
	hash := hashCall(toolName, parameters)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history[sessionID]

	looping := false
	if len(history) >= DoomLoopThreshold-1 {
		looping = true
		for _, prev := range history[len(history)-(DoomLoopThreshold-1):] {
			if prev != hash {
				looping = false
				break
			}
		}
	}

	history = append(history, hash)
	if len(history) > DoomLoopThreshold {
		history = history[len(history)-DoomLoopThreshold:]
	}
	d.history[sessionID] = history

	return looping
}

// ClearSession forgets a session's history.
func (d *DoomLoopDetector) ClearSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, sessionID)
}

func hashCall(toolName string, parameters []byte) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(parameters)
	return hex.EncodeToString(h.Sum(nil))
}
