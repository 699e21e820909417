// Package rpc - WebSocket JSON-RPC transport, carrying the newHeads
// subscription the live coordinator drives: an explicit
// INIT/CONNECTING/SUBSCRIBED/DISCONNECTED/SHUTDOWN state machine with
// automatic reconnect and exponential backoff.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// State is the WebSocket reader's connection lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateSubscribed
	StateDisconnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// HeadEvent is one newHeads notification: just enough to drive the live
// coordinator's queue. Full header decode happens via the RPC
// header reader once a block number is known.
type HeadEvent struct {
	Number uint64
	Hash   string
}

// WSHeadSubscriber wraps a WebSocket connection carrying eth_subscribe
// ("newHeads") and exposes the reconnecting state machine as a channel of
// HeadEvents, reconnecting transparently on disconnect.
type WSHeadSubscriber struct {
	url string

	conn   *websocket.Conn
	connMu sync.RWMutex

	requestID    atomic.Int64
	pendingCalls map[int64]chan *Response
	pendingMu    sync.RWMutex

	state atomic.Int32

	events    chan HeadEvent
	closeChan chan struct{}
	closed    atomic.Bool

	backoffBase time.Duration
	backoffCap  time.Duration
	onReconnect func()
}

// NewWSHeadSubscriber dials url and begins the newHeads subscription.
// onReconnect, if non-nil, is invoked once per successful reconnect (used
// by the live coordinator to bump its reconnect counter).
func NewWSHeadSubscriber(url string, backoffBase, backoffCap time.Duration, onReconnect func()) (*WSHeadSubscriber, error) {
	s := &WSHeadSubscriber{
		url:          url,
		pendingCalls: make(map[int64]chan *Response),
		events:       make(chan HeadEvent, 256),
		closeChan:    make(chan struct{}),
		backoffBase:  backoffBase,
		backoffCap:   backoffCap,
		onReconnect:  onReconnect,
	}
	s.state.Store(int32(StateInit))

	if err := s.connectAndSubscribe(context.Background()); err != nil {
		return nil, fmt.Errorf("initial connect failed: %w", err)
	}
	go s.readLoop()

	return s, nil
}

// State reports the subscriber's current lifecycle state.
func (s *WSHeadSubscriber) State() State { return State(s.state.Load()) }

// Events returns the channel of observed chain heads. Close does not close
// it; after Close no further events are sent on it.
func (s *WSHeadSubscriber) Events() <-chan HeadEvent { return s.events }

// Close tears down the subscription permanently; State becomes SHUTDOWN.
func (s *WSHeadSubscriber) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.state.Store(int32(StateShutdown))
	close(s.closeChan)

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *WSHeadSubscriber) connectAndSubscribe(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	reqID := s.requestID.Add(1)
	respChan := make(chan *Response, 1)
	s.pendingMu.Lock()
	s.pendingCalls[reqID] = respChan
	s.pendingMu.Unlock()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "eth_subscribe",
		"params":  []interface{}{"newHeads"},
	}
	if err := conn.WriteJSON(req); err != nil {
		s.state.Store(int32(StateDisconnected))
		return err
	}

	// readLoop is not reading this connection here (it has not started on
	// the first connect, and is the caller on a reconnect), so the
	// subscribe reply is read directly.
	var resp Response
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("read subscribe response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if resp.Error != nil {
		s.state.Store(int32(StateDisconnected))
		return resp.Error
	}

	s.state.Store(int32(StateSubscribed))
	return nil
}

func (s *WSHeadSubscriber) readLoop() {
	for {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			return
		}

		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.closeChan:
				return
			default:
			}
			s.state.Store(int32(StateDisconnected))
			if !s.reconnect() {
				return // shutdown requested mid-reconnect
			}
			continue
		}

		var partial struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(msg, &partial); err != nil {
			continue
		}

		if partial.ID != nil {
			var resp Response
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			s.pendingMu.RLock()
			ch, ok := s.pendingCalls[*partial.ID]
			s.pendingMu.RUnlock()
			if ok {
				ch <- &resp
			}
			continue
		}

		if partial.Method == "eth_subscription" {
			var notif struct {
				Params struct {
					Result struct {
						Number string `json:"number"`
						Hash   string `json:"hash"`
					} `json:"result"`
				} `json:"params"`
			}
			if err := json.Unmarshal(msg, &notif); err != nil {
				continue
			}
			number, err := hexutil.DecodeUint64(notif.Params.Result.Number)
			if err != nil {
				continue
			}
			select {
			case s.events <- HeadEvent{Number: number, Hash: notif.Params.Result.Hash}:
			case <-s.closeChan:
				return
			}
		}
	}
}

// reconnect retries connectAndSubscribe with exponential backoff until it
// succeeds or Close is called. Returns false if shutdown won the race.
func (s *WSHeadSubscriber) reconnect() bool {
	backoff := s.backoffBase
	for {
		select {
		case <-s.closeChan:
			return false
		case <-time.After(backoff):
		}

		if err := s.connectAndSubscribe(context.Background()); err != nil {
			backoff *= 2
			if backoff > s.backoffCap {
				backoff = s.backoffCap
			}
			continue
		}
		if s.onReconnect != nil {
			s.onReconnect()
		}
		return true
	}
}
