// Package server implements the network front-end (§6 "Server wire"): the
// ZeroMQ dual-ROUTER-socket wire (client socket + barrier socket) is
// realized over NATS core pub/sub, since no ZeroMQ binding appears anywhere
// in the reference corpus (see DESIGN.md). Subjects carry the same four
// message shapes — register, request, response, barrier — addressed the way
// ZMQ's `[clientID, ...]` envelope would be, via subject segments instead of
// multipart frames.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// Config configures the NATS-backed server front-end.
type Config struct {
	URL string

	// NumClient is the barrier's expected peer count; it is folded into the
	// barrier subject so concurrent runs with different thresholds never
	// collide on the same NATS subject namespace.
	NumClient int
}

// DefaultConfig connects to the default local NATS URL.
func DefaultConfig() Config {
	return Config{URL: nats.DefaultURL, NumClient: 1}
}

// RequestMsg is the payload carried on a request.<clientID> subject.
type RequestMsg struct {
	ReqID   string          `json:"reqId"`
	Payload json.RawMessage `json:"payload"`
}

// ResponseMsg is the payload carried on a response.<clientID>.<reqID>
// subject.
type ResponseMsg struct {
	ReqID   string          `json:"reqId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// RegisterMsg is the payload carried on a register.<modelName> subject.
type RegisterMsg struct {
	ClientID string `json:"clientId"`
}

// Handler processes one client request and returns the reply payload,
// matching the dispatch core's staged or inline pipeline invocation. The
// model/pipeline wiring itself lives outside this package (§1: out of
// scope beyond the interface).
type Handler func(ctx context.Context, clientID string, req RequestMsg) (json.RawMessage, error)

// Server is the single-threaded cooperative event loop described in §5: it
// never blocks on worker progress, dispatching each request's Handler call
// in its own goroutine and publishing the response whenever it completes.
type Server struct {
	conn    *nats.Conn
	cfg     Config
	handler Handler

	mu        sync.Mutex
	models    map[string]string // clientID -> modelName
	barrierMu sync.Mutex
	arrived   map[string]struct{}
}

// New connects to NATS and returns a Server bound to handler.
func New(cfg Config, handler Handler) (*Server, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("dispatch-server"))
	if err != nil {
		return nil, fmt.Errorf("server: nats connect: %w", err)
	}
	return &Server{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		models:  make(map[string]string),
		arrived: make(map[string]struct{}),
	}, nil
}

// Serve runs the event loop until ctx is done. Subscriptions are
// dispatch-only (nats.Msg callbacks run on the library's own delivery
// goroutines), matching the spec's requirement that the loop "never blocks
// on worker progress": each request handler runs concurrently and replies
// whenever it finishes, not in subject-arrival order.
func (s *Server) Serve(ctx context.Context) error {
	regSub, err := s.conn.Subscribe("register.*", s.onRegister)
	if err != nil {
		return fmt.Errorf("server: subscribe register: %w", err)
	}
	defer regSub.Unsubscribe()

	reqSub, err := s.conn.Subscribe("request.*", s.onRequest(ctx))
	if err != nil {
		return fmt.Errorf("server: subscribe request: %w", err)
	}
	defer reqSub.Unsubscribe()

	barrierSubject := fmt.Sprintf("barrier.%d", s.cfg.NumClient)
	barSub, err := s.conn.Subscribe(barrierSubject, s.onBarrier)
	if err != nil {
		return fmt.Errorf("server: subscribe barrier: %w", err)
	}
	defer barSub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

func (s *Server) onRegister(msg *nats.Msg) {
	var modelName string
	if _, err := fmt.Sscanf(msg.Subject, "register.%s", &modelName); err != nil {
		log.Printf("[server] malformed register subject %q: %v", msg.Subject, err)
		return
	}
	var m RegisterMsg
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		log.Printf("[server] malformed register payload: %v", err)
		return
	}
	s.mu.Lock()
	s.models[m.ClientID] = modelName
	s.mu.Unlock()
	log.Printf("[server] registered client=%s model=%s", m.ClientID, modelName)
}

func (s *Server) onRequest(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var clientID string
		if _, err := fmt.Sscanf(msg.Subject, "request.%s", &clientID); err != nil {
			log.Printf("[server] malformed request subject %q: %v", msg.Subject, err)
			return
		}
		var req RequestMsg
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[server] malformed request payload: %v", err)
			return
		}

		// Handler runs on its own goroutine so one slow request never stalls
		// the event loop's ability to accept the next one (§5).
		go func() {
			respSubject := fmt.Sprintf("response.%s.%s", clientID, req.ReqID)
			payload, err := s.handler(ctx, clientID, req)
			resp := ResponseMsg{ReqID: req.ReqID}
			if err != nil {
				resp.Err = err.Error()
			} else {
				resp.Payload = payload
			}
			data, merr := json.Marshal(resp)
			if merr != nil {
				log.Printf("[server] marshal response for %s: %v", respSubject, merr)
				return
			}
			if perr := s.conn.Publish(respSubject, data); perr != nil {
				log.Printf("[server] publish response to %s: %v", respSubject, perr)
			}
		}()
	}
}

func (s *Server) onBarrier(msg *nats.Msg) {
	var m RegisterMsg
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		log.Printf("[server] malformed barrier payload: %v", err)
		return
	}

	s.barrierMu.Lock()
	s.arrived[m.ClientID] = struct{}{}
	ready := len(s.arrived) >= s.cfg.NumClient
	var peers []string
	if ready {
		for id := range s.arrived {
			peers = append(peers, id)
		}
		s.arrived = make(map[string]struct{})
	}
	s.barrierMu.Unlock()

	if !ready {
		return
	}
	for _, id := range peers {
		if perr := s.conn.Publish(fmt.Sprintf("barrier.go.%s", id), []byte("GO")); perr != nil {
			log.Printf("[server] publish barrier release to %s: %v", id, perr)
		}
	}
}

// Close closes the underlying NATS connection without draining it.
func (s *Server) Close() {
	s.conn.Close()
}
