// Package fakedb provides an in-process Data Backend server speaking
// the CBOR-RPC WebSocket protocol, for exercising the real transport in
// tests: queries and mutations against seeded tables, live
// subscriptions with injectable change pushes, and failure injection.
package fakedb

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/dashsync/dashsync.go/pkg/backend"
)

type liveSub struct {
	conn  *clientConn
	table string
}

type clientConn struct {
	ws      *gorilla.Conn
	writeMu sync.Mutex
}

func (c *clientConn) writeFrame(v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(gorilla.BinaryMessage, data)
}

// Server is one fake backend instance. Start it, point a
// WebSocketBackend at URL(), and drive it from the test.
type Server struct {
	listener net.Listener
	server   *http.Server
	upgrader gorilla.Upgrader

	mu       sync.Mutex
	tables   map[string][]backend.Row
	nextID   int
	subs     map[string]*liveSub
	nextSub  int
	conns    map[*clientConn]struct{}
	silent   bool
	rejected map[string]string
}

func NewServer() *Server {
	s := &Server{
		upgrader: gorilla.Upgrader{Subprotocols: []string{"cbor"}},
		tables:   make(map[string][]backend.Row),
		subs:     make(map[string]*liveSub),
		conns:    make(map[*clientConn]struct{}),
		rejected: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	s.server = &http.Server{Handler: mux}

	return s
}

// Start listens on an ephemeral local port.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = listener
	go func() {
		_ = s.server.Serve(listener)
	}()
	return nil
}

// URL returns the ws base URL clients should dial.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s", s.listener.Addr().String())
}

func (s *Server) Stop() {
	_ = s.server.Close()
}

// Seed replaces the rows of table.
func (s *Server) Seed(table string, rows []backend.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = rows
}

// RejectMutations makes every mutation against table fail with the
// given message, simulating e.g. a constraint violation.
func (s *Server) RejectMutations(table, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[table] = message
}

// GoSilent makes the server stop answering requests (connections stay
// open), so clients hit their client-side timeout.
func (s *Server) GoSilent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = true
}

// DropConnections closes every client connection, simulating a
// transport failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.ws.Close()
		delete(s.conns, c)
	}
	s.subs = make(map[string]*liveSub)
}

// Push delivers a change notification to every live subscription on
// the change's table and applies nothing to the seeded rows; tests
// control the fixture state separately.
func (s *Server) Push(change backend.Change) {
	s.mu.Lock()
	targets := make(map[string]*liveSub)
	for id, sub := range s.subs {
		if sub.table == change.Table {
			targets[id] = sub
		}
	}
	s.mu.Unlock()

	for id, sub := range targets {
		payload, err := cbor.Marshal(map[string]any{
			"subscription_id": id,
			"change":          change,
		})
		if err != nil {
			continue
		}
		_ = sub.conn.writeFrame(map[string]any{
			"method": "notify",
			"result": cbor.RawMessage(payload),
		})
	}
}

// LiveSubscriptions reports how many live subscriptions are open.
func (s *Server) LiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &clientConn{ws: ws}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		for id, sub := range s.subs {
			if sub.conn == conn {
				delete(s.subs, id)
			}
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req request
		if err := cbor.Unmarshal(data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if silent {
			continue
		}

		s.dispatch(conn, req)
	}
}

type request struct {
	ID     string            `cbor:"id"`
	Method string            `cbor:"method"`
	Params []cbor.RawMessage `cbor:"params"`
}

func (s *Server) dispatch(conn *clientConn, req request) {
	respond := func(result any) {
		payload, err := cbor.Marshal(result)
		if err != nil {
			return
		}
		_ = conn.writeFrame(map[string]any{
			"id":     req.ID,
			"result": cbor.RawMessage(payload),
		})
	}
	respondErr := func(code int, message string) {
		_ = conn.writeFrame(map[string]any{
			"id":    req.ID,
			"error": map[string]any{"code": code, "message": message},
		})
	}

	switch req.Method {
	case "query":
		var q backend.QuerySpec
		if len(req.Params) == 0 || cbor.Unmarshal(req.Params[0], &q) != nil {
			respondErr(400, "malformed query")
			return
		}
		s.mu.Lock()
		rows := append([]backend.Row(nil), s.tables[q.Table]...)
		s.mu.Unlock()
		respond(rows)

	case "mutate":
		var m backend.MutationSpec
		if len(req.Params) == 0 || cbor.Unmarshal(req.Params[0], &m) != nil {
			respondErr(400, "malformed mutation")
			return
		}

		s.mu.Lock()
		if msg, ok := s.rejected[m.Table]; ok {
			s.mu.Unlock()
			respondErr(409, msg)
			return
		}
		row := s.applyMutation(m)
		s.mu.Unlock()
		respond(row)

	case "live":
		var table string
		if len(req.Params) == 0 || cbor.Unmarshal(req.Params[0], &table) != nil {
			respondErr(400, "malformed live request")
			return
		}
		s.mu.Lock()
		s.nextSub++
		id := fmt.Sprintf("live_%d", s.nextSub)
		s.subs[id] = &liveSub{conn: conn, table: table}
		s.mu.Unlock()
		respond(id)

	case "kill":
		var id string
		if len(req.Params) == 0 || cbor.Unmarshal(req.Params[0], &id) != nil {
			respondErr(400, "malformed kill request")
			return
		}
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		respond(nil)

	default:
		respondErr(404, "unknown method")
	}
}

// applyMutation mutates the fixture rows. Caller must hold s.mu.
func (s *Server) applyMutation(m backend.MutationSpec) backend.Row {
	switch m.Operation {
	case backend.OpInsert:
		s.nextID++
		row := make(backend.Row, len(m.Payload)+1)
		for k, v := range m.Payload {
			row[k] = v
		}
		row["id"] = fmt.Sprintf("row_%d", s.nextID)
		s.tables[m.Table] = append(s.tables[m.Table], row)
		return row

	case backend.OpUpdate:
		target := backend.RowID(m.Payload)
		for i, row := range s.tables[m.Table] {
			if backend.RowID(row) == target {
				for k, v := range m.Payload {
					row[k] = v
				}
				s.tables[m.Table][i] = row
				return row
			}
		}
		return nil

	case backend.OpDelete:
		target := backend.RowID(m.Payload)
		rows := s.tables[m.Table]
		for i, row := range rows {
			if backend.RowID(row) == target {
				s.tables[m.Table] = append(rows[:i:i], rows[i+1:]...)
				return row
			}
		}
		return nil
	}

	return nil
}
