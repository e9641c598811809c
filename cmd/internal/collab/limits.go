package collab

import "time"

// Security/performance limits.
const (
	// Max bytes per inbound websocket message. Outbound SyncStep2 frames are not bounded by this.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Max draft id length accepted by the registry.
	maxDocumentIDBytes = 128
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound budget. Typing produces one update per keystroke burst.
	rateLimitEvents = 600
	rateLimitWindow = 10 * time.Second
)

const (
	// Persistence defaults.
	defaultSaveTimeout  = 15 * time.Second
	defaultSaveRetries  = 3
	defaultSaveBackoff  = 200 * time.Millisecond
	defaultLoadTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)
