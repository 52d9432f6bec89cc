package indexer

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	apperrors "github.com/chainlens/streaming-indexer/infrastructure/errors"
	"github.com/chainlens/streaming-indexer/infrastructure/httputil"
)

// Handlers exposes the indexer's control surface: start/stop/status over
// plain JSON and a server-push stream of ProgressEvents over a websocket.
type Handlers struct {
	svc      *Service
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewHandlers builds the control surface over svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{
		svc: svc,
		log: logrus.WithField("component", "indexer-handlers"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream endpoint is read-only push; any origin already
			// cleared by the surrounding auth layer may subscribe.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the four control endpoints onto router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/indexer/start", h.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/indexer/stop/{sessionId}", h.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/indexer/status/{sessionId}", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/indexer/stream/{sessionId}", h.handleStream).Methods(http.MethodGet)
}

type startRequest struct {
	ContractAddress string `json:"contractAddress"`
	Chain           string `json:"chain"`
	// FromDeployment opts an Enterprise caller into indexing from the
	// contract's deployment block instead of the tier's default lookback.
	// Ignored for every other tier.
	FromDeployment bool `json:"fromDeployment"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	var req startRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	id := chain.ChainID(req.Chain)
	if req.ContractAddress == "" || !id.Valid() {
		httputil.BadRequest(w, "contractAddress and a valid chain are required")
		return
	}

	session, err := h.svc.StartSession(r.Context(), userID, req.ContractAddress, id, req.FromDeployment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, startResponse{SessionID: session.ID})
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if err := h.svc.StopSession(sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	view, err := h.svc.SessionStatus(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// handleStream upgrades to a websocket and forwards sessionId's
// ProgressEvents, translated to the wire format, one JSON frame per
// message, until the terminal event is delivered.
func (h *Handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if _, err := h.svc.SessionStatus(sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.svc.Subscribe(sessionID)
	defer h.svc.pub.Unsubscribe(sessionID, sub)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			wire := ToWireEvent(event)
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wire); err != nil {
				return
			}
			if wire.Kind == "session-completed" || wire.Kind == "session-failed" || wire.Kind == "session-cancelled" {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if svcErr, ok := err.(*apperrors.ServiceError); ok {
		httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	h.log.WithError(err).Warn("control surface handler failed")
	httputil.InternalError(w, "internal server error")
}
