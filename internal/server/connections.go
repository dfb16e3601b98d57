package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

const writeTimeout = 5 * time.Second

// Transport moves encoded frames to one client. Send must never block.
type Transport interface {
	Send(kind websocket.MessageType, data []byte) bool
	Close(reason string)
}

// Connection is one authenticated or anonymous client socket. Only the loop
// goroutine touches it.
type Connection struct {
	ID          string
	Identity    string // empty until login
	Rating      int
	Token       string
	LobbyID     int // 0 when not in a lobby
	Spectating  bool
	ConnectedAt time.Time

	codec        Codec
	transport    Transport
	limiter      *rate.Limiter
	lastActivity time.Time
}

func NewConnection(transport Transport, codec Codec, limiter *rate.Limiter, now time.Time) *Connection {
	return &Connection{
		ID:           ulid.Make().String(),
		ConnectedAt:  now,
		codec:        codec,
		transport:    transport,
		limiter:      limiter,
		lastActivity: now,
	}
}

func (c *Connection) Authenticated() bool {
	return c.Identity != ""
}

// ConnectionManager indexes live connections by id and by identity.
type ConnectionManager struct {
	connections map[string]*Connection
	byIdentity  map[string]string // identity -> connection id
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		byIdentity:  make(map[string]string),
	}
}

func (cm *ConnectionManager) Add(c *Connection) {
	cm.connections[c.ID] = c
}

func (cm *ConnectionManager) Get(id string) (*Connection, bool) {
	c, ok := cm.connections[id]
	return c, ok
}

// Bind attaches identity to the connection and returns any other
// connection that held it.
func (cm *ConnectionManager) Bind(c *Connection, identity string) (*Connection, bool) {
	var previous *Connection
	if oldID, ok := cm.byIdentity[identity]; ok && oldID != c.ID {
		previous = cm.connections[oldID]
	}
	c.Identity = identity
	cm.byIdentity[identity] = c.ID
	return previous, previous != nil
}

func (cm *ConnectionManager) ByIdentity(identity string) (*Connection, bool) {
	id, ok := cm.byIdentity[identity]
	if !ok {
		return nil, false
	}
	c, ok := cm.connections[id]
	return c, ok
}

func (cm *ConnectionManager) Online(identity string) bool {
	_, ok := cm.ByIdentity(identity)
	return ok
}

func (cm *ConnectionManager) Remove(id string) (*Connection, bool) {
	c, ok := cm.connections[id]
	if !ok {
		return nil, false
	}
	delete(cm.connections, id)
	if c.Identity != "" && cm.byIdentity[c.Identity] == id {
		delete(cm.byIdentity, c.Identity)
	}
	return c, true
}

func (cm *ConnectionManager) Count() int {
	return len(cm.connections)
}

// All returns connections ordered by id, which for ULIDs is connect order.
func (cm *ConnectionManager) All() []*Connection {
	out := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type frame struct {
	kind websocket.MessageType
	data []byte
}

// wsTransport owns the write side of a websocket through a bounded queue
// drained by its own goroutine.
type wsTransport struct {
	conn      *websocket.Conn
	out       chan frame
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newWSTransport(conn *websocket.Conn, queue int) *wsTransport {
	return &wsTransport{
		conn: conn,
		out:  make(chan frame, queue),
		done: make(chan struct{}),
	}
}

func (t *wsTransport) Send(kind websocket.MessageType, data []byte) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.out <- frame{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

func (t *wsTransport) Close(reason string) {
	t.closeOnce.Do(func() {
		t.reason = reason
		close(t.done)
	})
}

func (t *wsTransport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-t.done:
			t.flush(ctx)
			t.conn.Close(websocket.StatusNormalClosure, t.reason)
			return
		case f := <-t.out:
			if err := t.write(ctx, f); err != nil {
				t.Close("write failed")
				t.conn.CloseNow()
				return
			}
		}
	}
}

// flush sends whatever is already queued, so a final error message
// reaches the client before the close frame.
func (t *wsTransport) flush(ctx context.Context) {
	for {
		select {
		case f := <-t.out:
			if t.write(ctx, f) != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) write(ctx context.Context, f frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, f.kind, f.data)
}
