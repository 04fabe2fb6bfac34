package syncer

import (
	"context"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans annotation broadcasts out to websocket subscribers. One redis
// subscription is held per video with at least one connected session;
// every payload is forwarded verbatim to that video's sockets.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*websocket.Conn
	cancelFuncs map[string]context.CancelFunc
	redisClient *redis.Client
	jwtSecret   []byte
	logger      *zap.Logger
}

// NewHub creates a hub on an existing redis client. Subscribers must
// present a token signed with jwtSecret.
func NewHub(redisClient *redis.Client, jwtSecret string, logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*websocket.Conn),
		cancelFuncs: make(map[string]context.CancelFunc),
		redisClient: redisClient,
		jwtSecret:   []byte(jwtSecret),
		logger:      logger,
	}
}

// HandleSubscribe upgrades the request to a websocket and subscribes it to
// the video's annotation channel.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request, videoID string) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.register(videoID, conn)

	go func() {
		defer h.unregister(videoID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(videoID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[videoID] = append(h.connections[videoID], conn)

	// First subscriber for this video opens the pub/sub stream.
	if len(h.connections[videoID]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[videoID] = cancel
		go h.subscribe(ctx, videoID)
	}

	h.logger.Info("Session subscribed",
		zap.String("video_id", videoID),
		zap.Int("subscribers", len(h.connections[videoID])),
	)
}

func (h *Hub) unregister(videoID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[videoID]
	for i, c := range conns {
		if c == conn {
			h.connections[videoID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[videoID]) == 0 {
		delete(h.connections, videoID)
		if cancel, ok := h.cancelFuncs[videoID]; ok {
			cancel()
			delete(h.cancelFuncs, videoID)
		}
	}

	h.logger.Info("Session unsubscribed", zap.String("video_id", videoID))
}

func (h *Hub) subscribe(ctx context.Context, videoID string) {
	pubsub := h.redisClient.Subscribe(ctx, ChannelFor(videoID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(videoID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(videoID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[videoID] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Websocket write failed", zap.String("video_id", videoID), zap.Error(err))
		}
	}
}
