package chain

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"

	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/types"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than wsPongWait).
	wsPingPeriod = (wsPongWait * 9) / 10

	wsReconnectBase = time.Second
	wsReconnectMax  = 30 * time.Second
)

// ProgramNotification is one push update for a program-owned account.
type ProgramNotification struct {
	Pubkey types.Pubkey
	Data   []byte
	Slot   uint64
}

// LogsNotification carries the program logs of one transaction.
type LogsNotification struct {
	Signature string
	Logs      []string
	Failed    bool
	Slot      uint64
}

// SubscriberConfig configures the WebSocket subscriber.
type SubscriberConfig struct {
	URL                  string
	Commitment           string
	MaxReconnectAttempts int // after this many the subscriber falls back to polling-only
}

// Subscriber maintains a WebSocket connection to the chain node and fans
// program-account and log notifications out to registered handlers. On
// connection loss it reconnects with exponential backoff; after
// MaxReconnectAttempts it stays down and the order cache serves polling only.
type Subscriber struct {
	cfg    SubscriberConfig
	logger log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	nextReqID uint64
	// subId (server-assigned) -> dispatch target
	programSubs map[uint64]func(ProgramNotification)
	logSubs     map[uint64]func(LogsNotification)
	// desired subscriptions, replayed after each reconnect
	wantPrograms []programSubSpec
	wantLogs     []logSubSpec

	active     atomic.Bool
	reconnects atomic.Int64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type programSubSpec struct {
	program  types.Pubkey
	dataSize uint64
	handler  func(ProgramNotification)
}

type logSubSpec struct {
	program types.Pubkey
	handler func(LogsNotification)
}

// NewSubscriber builds a subscriber; Start opens the connection.
func NewSubscriber(cfg SubscriberConfig, logger log.Logger) *Subscriber {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return &Subscriber{
		cfg:         cfg,
		logger:      logger.With("module", "subscriber"),
		programSubs: make(map[uint64]func(ProgramNotification)),
		logSubs:     make(map[uint64]func(LogsNotification)),
	}
}

// OnProgramAccountChange registers a push handler for accounts owned by
// program whose data is exactly dataSize bytes. Must be called before Start.
func (s *Subscriber) OnProgramAccountChange(program types.Pubkey, dataSize uint64, handler func(ProgramNotification)) {
	s.mu.Lock()
	s.wantPrograms = append(s.wantPrograms, programSubSpec{program: program, dataSize: dataSize, handler: handler})
	s.mu.Unlock()
}

// OnLogs registers a push handler for transaction logs mentioning program.
// Must be called before Start.
func (s *Subscriber) OnLogs(program types.Pubkey, handler func(LogsNotification)) {
	s.mu.Lock()
	s.wantLogs = append(s.wantLogs, logSubSpec{program: program, handler: handler})
	s.mu.Unlock()
}

// Start opens the connection and runs the read/reconnect loop until ctx ends.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop closes the connection and waits for the loops to exit.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// IsActive reports whether the subscription stream is currently connected.
func (s *Subscriber) IsActive() bool { return s.active.Load() }

// ReconnectAttempts returns how many reconnects have been attempted since the
// last healthy connection.
func (s *Subscriber) ReconnectAttempts() int { return int(s.reconnects.Load()) }

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()
	backoff := wsReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connect(ctx); err != nil {
			n := s.reconnects.Add(1)
			metrics.GetCollector().WSReconnectsTotal.Inc()
			if int(n) > s.cfg.MaxReconnectAttempts {
				s.logger.Error("giving up on websocket, falling back to polling-only",
					"attempts", n-1, "err", err)
				return
			}
			s.logger.Warn("websocket connect failed", "attempt", n, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}

		s.active.Store(true)
		s.reconnects.Store(0)
		backoff = wsReconnectBase

		s.readLoop(ctx)
		s.active.Store(false)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("websocket connection lost, reconnecting")
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.programSubs = make(map[uint64]func(ProgramNotification))
	s.logSubs = make(map[uint64]func(LogsNotification))
	wantPrograms := append([]programSubSpec(nil), s.wantPrograms...)
	wantLogs := append([]logSubSpec(nil), s.wantLogs...)
	s.mu.Unlock()

	for _, spec := range wantPrograms {
		subID, err := s.subscribe(conn, "programSubscribe", []any{
			spec.program.String(),
			map[string]any{
				"encoding":   "base64",
				"commitment": s.cfg.Commitment,
				"filters":    []any{map[string]any{"dataSize": spec.dataSize}},
			},
		})
		if err != nil {
			_ = conn.Close()
			return err
		}
		s.mu.Lock()
		s.programSubs[subID] = spec.handler
		s.mu.Unlock()
	}
	for _, spec := range wantLogs {
		subID, err := s.subscribe(conn, "logsSubscribe", []any{
			map[string]any{"mentions": []string{spec.program.String()}},
			map[string]any{"commitment": s.cfg.Commitment},
		})
		if err != nil {
			_ = conn.Close()
			return err
		}
		s.mu.Lock()
		s.logSubs[subID] = spec.handler
		s.mu.Unlock()
	}
	return nil
}

// subscribe issues one subscription request and reads its acknowledgement.
// Runs before the read loop starts, so reading inline here is safe.
func (s *Subscriber) subscribe(conn *websocket.Conn, method string, params []any) (uint64, error) {
	s.mu.Lock()
	s.nextReqID++
	id := s.nextReqID
	s.mu.Unlock()

	req := rpcRequest{Jsonrpc: "2.0", ID: id, Method: method, Params: params}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		return 0, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsWriteWait))
	var resp struct {
		ID     uint64          `json:"id"`
		Result uint64          `json:"result"`
		Error  *RPCError       `json:"error"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	for {
		if err := conn.ReadJSON(&resp); err != nil {
			return 0, err
		}
		// Notifications racing ahead of the ack are possible; skip them.
		if resp.Method != "" {
			continue
		}
		if resp.Error != nil {
			return 0, resp.Error
		}
		return resp.Result, nil
	}
}

func (s *Subscriber) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(pingDone)

	for {
		var msg struct {
			Method string `json:"method"`
			Params struct {
				Subscription uint64          `json:"subscription"`
				Result       json.RawMessage `json:"result"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch msg.Method {
		case "programNotification":
			s.dispatchProgram(msg.Params.Subscription, msg.Params.Result)
		case "logsNotification":
			s.dispatchLogs(msg.Params.Subscription, msg.Params.Result)
		}
	}
}

func (s *Subscriber) dispatchProgram(subID uint64, raw json.RawMessage) {
	s.mu.Lock()
	handler := s.programSubs[subID]
	s.mu.Unlock()
	if handler == nil {
		return
	}

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Pubkey  string    `json:"pubkey"`
			Account uiAccount `json:"account"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		s.logger.Warn("malformed program notification", "err", err)
		return
	}
	pk, err := types.ParsePubkey(result.Value.Pubkey)
	if err != nil {
		s.logger.Warn("malformed pubkey in notification", "err", err)
		return
	}
	data, err := result.Value.Account.decode()
	if err != nil {
		s.logger.Warn("malformed account data in notification", "err", err)
		return
	}
	handler(ProgramNotification{Pubkey: pk, Data: data, Slot: result.Context.Slot})
}

func (s *Subscriber) dispatchLogs(subID uint64, raw json.RawMessage) {
	s.mu.Lock()
	handler := s.logSubs[subID]
	s.mu.Unlock()
	if handler == nil {
		return
	}

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Signature string          `json:"signature"`
			Err       json.RawMessage `json:"err"`
			Logs      []string        `json:"logs"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		s.logger.Warn("malformed logs notification", "err", err)
		return
	}
	handler(LogsNotification{
		Signature: result.Value.Signature,
		Logs:      result.Value.Logs,
		Failed:    len(result.Value.Err) > 0 && string(result.Value.Err) != "null",
		Slot:      result.Context.Slot,
	})
}

// BindOrderCache wires a program subscription into cache: every notification
// for an order-sized account is decoded and written through Set, keeping the
// slot-monotone invariant.
func BindOrderCache(s *Subscriber, program types.Pubkey, cache *OrderCache, logger log.Logger) {
	s.OnProgramAccountChange(program, types.OrderAccountSize, func(n ProgramNotification) {
		order, err := types.DecodeOrderAccount(n.Pubkey, n.Data, n.Slot)
		if err != nil {
			logger.Warn("undecodable order account from subscription", "pda", n.Pubkey, "err", err)
			return
		}
		cache.Set(n.Pubkey, order, n.Slot)
	})
	cache.bindSubscriber(s.IsActive, s.ReconnectAttempts)
}
