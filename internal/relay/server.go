package relay

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/domain"
	"github.com/watchroom/watchroom/internal/restapi"
	"github.com/watchroom/watchroom/internal/wire"
)

type Server struct {
	hub       *Hub
	secret    []byte
	readLimit int64
	writeWait time.Duration

	mu sync.Mutex
	// registered identities by username; login reuses these so a returning
	// user keeps a stable id.
	users map[string]domain.UserID
}

type ServerOptions struct {
	Secret    string
	Mode      string
	ReadLimit int64
	WriteWait time.Duration
}

func NewServer(opts ServerOptions) *Server {
	if opts.ReadLimit == 0 {
		opts.ReadLimit = 32768
	}
	if opts.WriteWait == 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{
		hub:       NewHub(),
		secret:    []byte(opts.Secret),
		readLimit: opts.ReadLimit,
		writeWait: opts.WriteWait,
		users:     make(map[string]domain.UserID),
	}
}

// Handler builds the gin engine: token issue, room REST, ws endpoint.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)
	api.POST("/rooms", s.authRequired, s.handleCreateRoom)
	api.GET("/rooms/:roomID", s.handleGetRoom)

	r.GET("/ws/room/:roomID", s.handleRoomSocket)
	return r
}

// handleRegister creates an identity for the username. Development server:
// the password is accepted unchecked, the username just has to be free.
func (s *Server) handleRegister(c *gin.Context) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&p); err != nil || p.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	user, err := domain.NewUser(p.Username)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if _, taken := s.users[p.Username]; taken {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		return
	}
	s.users[p.Username] = user.ID
	s.mu.Unlock()

	log.Info().Str("module", "relay").Str("user", string(user.ID)).
		Str("username", p.Username).Msg("user registered")
	c.JSON(http.StatusOK, gin.H{"user_id": string(user.ID)})
}

// handleLogin issues a signed bearer token. A registered username keeps its
// identity; an unknown one gets a fresh identity minted on the spot.
func (s *Server) handleLogin(c *gin.Context) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&p); err != nil || p.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	user, err := domain.NewUser(p.Username)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	if id, ok := s.users[p.Username]; ok {
		user.ID = id
	}
	s.mu.Unlock()

	claims := restapi.Claims{
		UserID:   string(user.ID),
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// authRequired validates the bearer header for the REST surface.
func (s *Server) authRequired(c *gin.Context) {
	header := c.GetHeader("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := s.parseToken(parts[1])
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	c.Next()
}

func (s *Server) parseToken(raw string) (*restapi.Claims, error) {
	var claims restapi.Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var p struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	id := domain.RoomID(uuid.NewString())
	s.hub.createRoom(id, p.Name)
	log.Info().Str("module", "relay").Str("room", string(id)).Str("name", p.Name).Msg("room created")
	c.JSON(http.StatusOK, gin.H{"room_id": string(id)})
}

func (s *Server) handleGetRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("roomID"))
	r, ok := s.hub.getRoom(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":      string(r.id),
		"name":         r.name,
		"member_count": r.memberCount(),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRoomSocket authenticates the query-parameter credential, upgrades,
// joins the hub and runs the pumps.
func (s *Server) handleRoomSocket(c *gin.Context) {
	claims, err := s.parseToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	roomID := domain.RoomID(c.Param("roomID"))
	if _, ok := s.hub.getRoom(roomID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(s.readLimit)

	cl := &client{
		id:       domain.UserID(claims.UserID),
		username: claims.Username,
		send:     make(chan core.Frame, 32),
	}
	room, err := s.hub.join(roomID, cl)
	if err != nil {
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "relay").Str("room", string(roomID)).
		Str("user", claims.UserID).Msg("socket attached")

	go s.writePump(ws, cl)
	go s.readPump(ws, cl, room)
}

func (s *Server) writePump(ws *websocket.Conn, cl *client) {
	for data := range cl.send {
		if err := ws.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("user", string(cl.id)).Msg("write error")
			return
		}
	}
	_ = ws.WriteMessage(websocket.CloseMessage, nil)
}

func (s *Server) readPump(ws *websocket.Conn, cl *client, room *room) {
	defer func() {
		s.hub.leave(room, cl)
		_ = ws.Close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "relay").Str("user", string(cl.id)).Msg("read error")
			}
			return
		}
		s.route(cl, room, data)
	}
}

// route applies the relay's side of the wire contract: chat and video
// frames fan out to the rest of the room, signaling frames go to their
// single target with the sender stamped on.
func (s *Server) route(cl *client, room *room, data core.Frame) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(cl.id)).Msg("dropping frame")
		return
	}

	switch m := msg.(type) {
	case *wire.Chat:
		m.Username = cl.username
		s.fanOut(room, cl.id, m)
	case *wire.VideoControl:
		s.fanOut(room, cl.id, m)
	case *wire.VideoShare:
		m.Type = wire.TypeVideoShare
		s.fanOut(room, cl.id, m)
	case *wire.Offer:
		to := m.To
		m.From, m.To = cl.id, ""
		s.targetSend(room, to, m, cl.id)
	case *wire.Answer:
		to := m.To
		m.From, m.To = cl.id, ""
		s.targetSend(room, to, m, cl.id)
	case *wire.ICECandidate:
		to := m.To
		m.From, m.To = cl.id, ""
		s.targetSend(room, to, m, cl.id)
	case *wire.Ping:
		// keep-alive, no reply required
	default:
		log.Debug().Str("module", "relay").Str("type", string(msg.Kind())).Msg("unhandled frame")
	}
}

func (s *Server) fanOut(room *room, from domain.UserID, m wire.Message) {
	f, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode fan-out")
		return
	}
	room.broadcast(from, f)
}

func (s *Server) targetSend(room *room, to domain.UserID, m wire.Message, from domain.UserID) {
	if to == "" {
		log.Debug().Str("module", "relay").Str("from", string(from)).Msg("signal frame without target")
		return
	}
	f, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode signal")
		return
	}
	room.sendTo(to, f)
}
