package relaysrv

import (
	"net/http"

	"github.com/gorilla/websocket"

	"studiorelay/internal/logging"
	"studiorelay/internal/ratelimit"
)

// AuthService is the external collaborator that resolves a bearer token
// to a user id and confirms that id still names a real account. The
// relay never implements login itself.
type AuthService interface {
	VerifyToken(token string) (userID string, ok bool)
	GetUser(userID string) bool
}

// Admission handles the `/ws/relay` HTTP->WebSocket upgrade: query
// validation, token verification, then handing a new Connection to the
// server for registration and its read/write loops.
type Admission struct {
	auth     AuthService
	upgrader websocket.Upgrader
	limiter  *ratelimit.ConnectionLimiter
	logger   *logging.Logger
}

// NewAdmission builds the upgrade handler. allowedOrigins is a CORS
// allowlist shared with the adjacent REST API; an empty list accepts any
// origin (the WebSocket upgrade path has no browser same-origin exposure
// the way a REST API would).
func NewAdmission(auth AuthService, limiter *ratelimit.ConnectionLimiter, allowedOrigins []string, logger *logging.Logger) *Admission {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return &Admission{
		auth:    auth,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				_, ok := originSet[origin]
				return ok
			},
		},
	}
}

// admittedDevice is everything the server needs to register and run a
// newly upgraded connection.
type admittedDevice struct {
	userID     string
	deviceID   string
	role       DeviceRole
	deviceName string
	conn       *websocket.Conn
}

// Admit implements the `/ws/relay` endpoint. It validates query
// parameters and the bearer token before upgrading; any failure
// short-circuits with a plain HTTP status and the socket is never
// upgraded.
func (a *Admission) Admit(w http.ResponseWriter, r *http.Request) (*admittedDevice, bool) {
	if a.limiter != nil && !a.limiter.Allow() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, false
	}

	q := r.URL.Query()
	token := q.Get("token")
	deviceTypeRaw := q.Get("deviceType")
	deviceID := q.Get("deviceId")
	deviceName := q.Get("deviceName")

	if token == "" || deviceTypeRaw == "" || deviceID == "" {
		a.release()
		http.Error(w, ErrBadRequest.Error(), http.StatusBadRequest)
		return nil, false
	}

	role := DeviceRole(deviceTypeRaw)
	if !role.Valid() {
		a.release()
		http.Error(w, ErrBadRequest.Error(), http.StatusBadRequest)
		return nil, false
	}

	userID, ok := a.auth.VerifyToken(token)
	if !ok || !a.auth.GetUser(userID) {
		a.release()
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return nil, false
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.release()
		a.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return nil, false
	}

	return &admittedDevice{
		userID:     userID,
		deviceID:   deviceID,
		role:       role,
		deviceName: deviceName,
		conn:       conn,
	}, true
}

func (a *Admission) release() {
	if a.limiter != nil {
		a.limiter.Release()
	}
}

// Release gives back the admission slot consumed by Allow() once the
// connection this call produced has fully closed.
func (a *Admission) Release() {
	a.release()
}
