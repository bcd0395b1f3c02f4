// Package api is the HTTP surface: session control endpoints, health and the
// websocket upgrade route.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/relay"
	"github.com/rdobrynin/avito-scrape-message/internal/session"
	"github.com/rdobrynin/avito-scrape-message/internal/site"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionService is the part of the session manager the handlers drive.
type SessionService interface {
	Start(ctx context.Context, creds site.Credentials) session.Result
	Stop(ctx context.Context) session.Result
	Status() session.Status
	CheckCookies(ctx context.Context, cookies []browser.Cookie) session.Result
}

// Notifier pushes status notices to connected clients.
type Notifier interface {
	Notify(username, text string, isError bool)
}

// ClientCounter reports how many real-time clients are connected.
type ClientCounter interface {
	ClientCount() int
}

// Handlers serves the session endpoints.
type Handlers struct {
	log      *zap.Logger
	svc      SessionService
	notifier Notifier
	clients  ClientCounter
	username string
}

// NewHandlers creates a new Handlers instance. username labels notices.
func NewHandlers(logger *zap.Logger, svc SessionService, notifier Notifier, clients ClientCounter, username string) *Handlers {
	return &Handlers{
		log:      logger.Named("api_handlers"),
		svc:      svc,
		notifier: notifier,
		clients:  clients,
		username: username,
	}
}

// RegisterRoutes mounts the session endpoints under prefix.
func (h *Handlers) RegisterRoutes(r chi.Router, prefix string) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route(prefix+"/avito", func(r chi.Router) {
		r.Post("/login", h.HandleLogin)
		r.Post("/stop", h.HandleStop)
		r.Get("/status", h.HandleStatus)
		r.Post("/check-cookies", h.HandleCheckCookies)
	})
}

// MessageResponse is the body of every session operation.
type MessageResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Cookies []browser.Cookie `json:"cookies,omitempty"`
}

// StatusResponse is the session status plus the number of connected clients.
type StatusResponse struct {
	session.Status
	Clients int `json:"clients"`
}

type checkCookiesRequest struct {
	Cookies []browser.Cookie `json:"cookies"`
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds site.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		h.respond(w, http.StatusBadRequest, MessageResponse{Message: "Invalid request body: " + err.Error()})
		return
	}
	if err := creds.Validate(); err != nil {
		h.respond(w, http.StatusBadRequest, MessageResponse{Message: err.Error()})
		return
	}
	h.log.Info("Try access.", zap.String("username", creds.Login), zap.String("request_id", middleware.GetReqID(r.Context())))

	// A dropped client must not abort a login half way through.
	res := h.svc.Start(context.WithoutCancel(r.Context()), creds)
	switch res.Outcome {
	case session.Succeeded:
		h.notifier.Notify(h.username, relay.NoticeStarted, false)
	case session.Failed:
		h.notifier.Notify(h.username, res.Message, true)
	}
	h.respondResult(w, res)
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	res := h.svc.Stop(r.Context())
	if res.Outcome == session.Succeeded {
		h.notifier.Notify(h.username, relay.NoticeStopped, false)
	}
	h.respondResult(w, res)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.svc.Status()}
	if h.clients != nil {
		resp.Clients = h.clients.ClientCount()
	}
	h.respond(w, http.StatusOK, resp)
}

func (h *Handlers) HandleCheckCookies(w http.ResponseWriter, r *http.Request) {
	var req checkCookiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, http.StatusBadRequest, MessageResponse{Message: "Invalid request body: " + err.Error()})
		return
	}
	h.respondResult(w, h.svc.CheckCookies(r.Context(), req.Cookies))
}

// respondResult maps an outcome to a status code: declines are conflicts,
// bad input is the caller's fault and everything else is an upstream failure.
func (h *Handlers) respondResult(w http.ResponseWriter, res session.Result) {
	code := http.StatusOK
	switch res.Outcome {
	case session.Declined:
		code = http.StatusConflict
	case session.Failed:
		code = http.StatusBadGateway
		if kind, ok := session.KindOf(res.Err); ok && kind == session.KindInvalid {
			code = http.StatusBadRequest
		}
	}
	h.respond(w, code, MessageResponse{
		Success: res.Success(),
		Message: res.Message,
		Cookies: res.Cookies,
	})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
