package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultGatewayURL is the Discord gateway endpoint.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// DefaultIntents subscribes to guild lifecycle and member events.
// Interactions arrive regardless of intents.
const DefaultIntents = 1<<0 | 1<<1 // GUILDS | GUILD_MEMBERS

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Reconnect backoff: exponential from 1s to 60s with ±20% jitter.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Guilds           []struct {
		ID string `json:"id"`
	} `json:"guilds"`
}

// Session is one shard's gateway connection. It identifies, heartbeats,
// resumes across disconnects and feeds every dispatch through the
// normalizer into the Router.
type Session struct {
	shardID     uint32
	totalShards uint32
	token       string
	intents     int
	gatewayURL  string

	router  *Router
	state   *State
	metrics *Metrics
	logger  *log.Logger

	// writeMu serializes frame writes between the read loop and the
	// heartbeat goroutine.
	writeMu sync.Mutex

	// resume state, owned by the Run goroutine; seq is shared with the
	// heartbeat goroutine
	sessionID string
	resumeURL string
	seq       atomic.Int64
}

// NewSession creates a shard session.
func NewSession(shardID, totalShards uint32, token string, intents int, router *Router, state *State) *Session {
	return &Session{
		shardID:     shardID,
		totalShards: totalShards,
		token:       token,
		intents:     intents,
		gatewayURL:  DefaultGatewayURL,
		router:      router,
		state:       state,
		metrics:     NewMetrics(),
		logger:      log.New(log.Writer(), fmt.Sprintf("[SHARD-%d] ", shardID), log.LstdFlags),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// backoff after every disconnect.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		s.state.SetHealth(s.shardID, HealthConnecting)
		start := time.Now()
		err := s.serve(ctx)
		if ctx.Err() != nil {
			s.state.SetHealth(s.shardID, HealthDisconnected)
			return ctx.Err()
		}
		s.state.SetHealth(s.shardID, HealthDisconnected)
		s.metrics.Reconnects.WithLabelValues(shardLabel(s.shardID)).Inc()

		// a session that held for a while earns a fresh backoff
		if time.Since(start) > time.Minute {
			attempt = 0
		}
		delay := backoffDelay(attempt)
		attempt++
		s.logger.Printf("⚠️ Disconnected (%v), reconnecting in %s", err, delay.Round(time.Millisecond))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffDelay returns the exponential delay for the given attempt with
// ±20% jitter applied.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// serve runs one websocket connection to completion.
func (s *Session) serve(ctx context.Context) error {
	url := s.gatewayURL
	resuming := s.sessionID != "" && s.resumeURL != ""
	if resuming {
		url = s.resumeURL
		s.state.SetHealth(s.shardID, HealthResuming)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	// hello carries the heartbeat interval
	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond

	if resuming {
		err = s.writeJSON(conn, payload{Op: opResume, D: mustJSON(map[string]interface{}{
			"token":      s.token,
			"session_id": s.sessionID,
			"seq":        s.seq.Load(),
		})})
	} else {
		err = s.writeJSON(conn, payload{Op: opIdentify, D: mustJSON(map[string]interface{}{
			"token":   s.token,
			"intents": s.intents,
			"shard":   []uint32{s.shardID, s.totalShards},
			"properties": map[string]string{
				"os":      "linux",
				"browser": "guildcore",
				"device":  "guildcore",
			},
		})})
	}
	if err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	// heartbeat loop; a missed ack forces a reconnect
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	acked := make(chan struct{}, 1)
	hbErr := make(chan error, 1)
	go s.heartbeatLoop(hbCtx, conn, interval, acked, hbErr)

	for {
		select {
		case err := <-hbErr:
			return err
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(interval + 10*time.Second))
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch p.Op {
		case opDispatch:
			if p.S > 0 {
				s.seq.Store(p.S)
			}
			s.handleDispatch(ctx, p.T, p.D)
		case opHeartbeat:
			// server requested an immediate heartbeat
			s.writeJSON(conn, payload{Op: opHeartbeat, D: mustJSON(s.seq.Load())})
		case opHeartbeatAck:
			s.state.RecordHeartbeat(s.shardID)
			s.metrics.LastHeartbeat.WithLabelValues(shardLabel(s.shardID)).SetToCurrentTime()
			select {
			case acked <- struct{}{}:
			default:
			}
		case opReconnect:
			return errors.New("server requested reconnect")
		case opInvalidSession:
			var resumable bool
			json.Unmarshal(p.D, &resumable)
			if !resumable {
				s.sessionID = ""
				s.resumeURL = ""
				s.seq.Store(0)
			}
			return fmt.Errorf("invalid session (resumable=%v)", resumable)
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked <-chan struct{}, out chan<- error) {
	// first beat at a random fraction of the interval, per the protocol
	first := time.Duration(rand.Float64() * float64(interval))
	select {
	case <-time.After(first):
	case <-ctx.Done():
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := false
	for {
		if pending {
			select {
			case <-acked:
				pending = false
			default:
				out <- errors.New("heartbeat ack missed, zombied connection")
				return
			}
		}
		if err := s.writeJSON(conn, payload{Op: opHeartbeat, D: mustJSON(s.seq.Load())}); err != nil {
			out <- fmt.Errorf("write heartbeat: %w", err)
			return
		}
		pending = true
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleDispatch(ctx context.Context, name string, data json.RawMessage) {
	s.state.RecordEvent(s.shardID)
	s.metrics.EventsReceived.WithLabelValues(shardLabel(s.shardID), name).Inc()

	switch name {
	case "READY":
		var rd readyData
		if err := json.Unmarshal(data, &rd); err == nil {
			s.sessionID = rd.SessionID
			s.resumeURL = rd.ResumeGatewayURL
			s.state.SetGuilds(s.shardID, int64(len(rd.Guilds)))
			s.metrics.GuildsPerShard.WithLabelValues(shardLabel(s.shardID)).Set(float64(len(rd.Guilds)))
			s.logger.Printf("✅ Ready (guilds=%d)", len(rd.Guilds))
		}
		s.state.SetHealth(s.shardID, HealthReady)
	case "RESUMED":
		s.state.SetHealth(s.shardID, HealthReady)
		s.logger.Printf("✅ Resumed at seq=%d", s.seq.Load())
	case "GUILD_CREATE":
		s.state.AddGuilds(s.shardID, 1)
	case "GUILD_DELETE":
		s.state.AddGuilds(s.shardID, -1)
	}

	if env := Normalize(name, s.shardID, data); env != nil {
		s.router.Route(ctx, env)
	}
}

func (s *Session) writeJSON(conn *websocket.Conn, p payload) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(p)
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
