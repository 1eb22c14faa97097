package websocket

import "sync"

// Room is an optional broadcast convenience layered on top of Connection:
// a registry of connections that should all receive the same outbound
// messages (e.g. all subscribers of a chat channel). It is not part of
// RFC 6455 itself; it is the engine's answer to the common "fan a message
// out to N connections" need, built around this package's callback-based
// Connection.
//
// A Room does not own accept/dial or the opening handshake; callers add
// Connections to it from their Handler.OnOpen and remove them in
// Handler.OnClose.
type Room struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRoom creates an empty Room.
func NewRoom() *Room {
	return &Room{conns: make(map[string]*Connection)}
}

// Join adds c to the room. Safe to call concurrently with Broadcast/Leave.
func (r *Room) Join(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Leave removes c from the room, if present.
func (r *Room) Leave(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID())
}

// Count returns the number of connections currently in the room.
func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends data to every connection in the room. A connection whose
// Send fails (a slow or gone peer) is left for its own read pump to notice
// the dead socket and call Leave via the owner's OnClose; Broadcast itself
// does not remove it, to avoid mutating the room map while iterating under
// RLock.
func (r *Room) Broadcast(dataType DataType, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		go func(c *Connection) {
			_ = c.Send(dataType, data)
		}(c)
	}
}

// BroadcastExcept is Broadcast, skipping one connection (typically the
// sender, to avoid echoing a message back to its own author).
func (r *Room) BroadcastExcept(except *Connection, dataType DataType, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.conns {
		if except != nil && id == except.ID() {
			continue
		}
		go func(c *Connection) {
			_ = c.Send(dataType, data)
		}(c)
	}
}
