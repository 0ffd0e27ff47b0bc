package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultStreamBaseURL is the Binance spot websocket endpoint.
const DefaultStreamBaseURL = "wss://stream.binance.com:9443/ws"

// WebSocket timeouts
const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsPingInterval     = 30 * time.Second
)

// KlineEvent is one message from the <symbol>@kline_<interval> stream.
type KlineEvent struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Kline     StreamKline `json:"k"`
}

// StreamKline carries the candle payload of a kline event. Closed is false
// while the candle is still in progress; only closed candles are persisted.
type StreamKline struct {
	OpenTime  int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Symbol    string          `json:"s"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Closed    bool            `json:"x"`
}

// StreamHandler defines callbacks for stream events.
type StreamHandler struct {
	// OnConnect is called once the connection is established (optional).
	OnConnect func()

	// OnEvent is called for every decoded kline event.
	OnEvent func(KlineEvent)
}

// Stream opens kline subscriptions. One Subscribe call manages exactly one
// connection; reconnect policy belongs to the caller.
type Stream struct {
	baseURL string
	logger  *logrus.Logger
}

// NewStream creates a stream dialer against the public Binance endpoint.
func NewStream(logger *logrus.Logger) *Stream {
	return NewStreamWithBaseURL(DefaultStreamBaseURL, logger)
}

// NewStreamWithBaseURL creates a stream dialer against a custom endpoint.
// Used by tests pointing at a local server.
func NewStreamWithBaseURL(baseURL string, logger *logrus.Logger) *Stream {
	return &Stream{baseURL: baseURL, logger: logger}
}

// Subscribe connects to the kline stream for (symbol, interval) and delivers
// events to the handler until the transport fails or ctx is cancelled.
// Returns nil on cancellation and an ErrTransport-wrapped error otherwise.
func (s *Stream) Subscribe(ctx context.Context, symbol, interval string, h StreamHandler) error {
	wsURL := fmt.Sprintf("%s/%s@kline_%s", s.baseURL, strings.ToLower(symbol), interval)

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	defer conn.Close()

	s.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"url":    wsURL,
	}).Info("websocket connected")

	conn.SetPongHandler(func(string) error { return nil })
	conn.SetPingHandler(func(message string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(wsWriteTimeout))
	})

	if h.OnConnect != nil {
		h.OnConnect()
	}

	messages := make(chan []byte, 100)
	readErr := make(chan error, 1)

	// Reader goroutine. conn.Close via the defer above unblocks it on exit.
	go func() {
		defer close(messages)
		for {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return fmt.Errorf("%w: read: %v", ErrTransport, err)

		case msg, ok := <-messages:
			if !ok {
				// Reader is gone: either the transport failed or ctx
				// cancelled it.
				select {
				case err := <-readErr:
					return fmt.Errorf("%w: read: %v", ErrTransport, err)
				default:
					return nil
				}
			}
			var ev KlineEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				s.logger.WithError(err).Debug("skipping undecodable message")
				continue
			}
			if ev.Event != "kline" {
				continue
			}
			if h.OnEvent != nil {
				h.OnEvent(ev)
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: ping: %v", ErrTransport, err)
			}
		}
	}
}
