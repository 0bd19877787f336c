package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/transport"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SubscribeLive открывает WebSocket на живой поток разговора и запускает пары
// pump-горутин. Возвращённая функция снимает подписку; вызывать её можно
// многократно из любой горутины.
func (h *Handle) SubscribeLive(ctx context.Context, onMessage func(transport.RawMessage)) (func(), error) {
	wsURL, err := h.streamURL()
	if err != nil {
		return nil, fmt.Errorf("relay.SubscribeLive: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay.SubscribeLive dial: %w", err)
	}

	s := &stream{conn: conn, convID: h.id, done: make(chan struct{})}
	s.wg.Add(2)
	go s.readPump(onMessage)
	go s.pingPump()
	return s.close, nil
}

func (h *Handle) streamURL() (string, error) {
	u, err := url.Parse(h.client.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/conversations/" + url.PathEscape(h.id) + "/stream"
	u.RawQuery = "inbox=" + url.QueryEscape(h.client.inboxID)
	return u.String(), nil
}

type stream struct {
	conn   *websocket.Conn
	convID string
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// close останавливает оба pump'а и закрывает соединение. Идемпотентен.
func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		// Разблокирует ReadMessage в readPump.
		s.conn.Close()
	})
	s.wg.Wait()
}

// readPump читает кадры живого потока и отдаёт их наверх.
// Выходит по ошибке чтения (в том числе после close()).
func (s *stream) readPump(onMessage func(transport.RawMessage)) {
	defer s.wg.Done()
	defer s.conn.Close()

	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("relay stream set read deadline conv=%s: %v", s.convID, err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("relay stream read conv=%s: %v", s.convID, err)
			}
			return
		}
		var dto rawMessageDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			logger.Errorf("relay stream unmarshal conv=%s: %v", s.convID, err)
			continue
		}
		onMessage(dto.toRaw())
	}
}

// pingPump удерживает соединение живым до close().
func (s *stream) pingPump() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			}
			return
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
