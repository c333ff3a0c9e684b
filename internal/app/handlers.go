package app

import (
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/auth"
	"calconnect-go/internal/calendar"
	"calconnect-go/internal/provider"
)

// maxBodyBytes bounds JSON request bodies; notes are the largest field.
const maxBodyBytes = 64 << 10

// Callback reason codes shown by the settings page.
const (
	reasonAuthFailed          = "auth_failed"
	reasonTokenExchangeFailed = "token_exchange_failed"
	reasonNoPrimaryCalendar   = "no_primary_calendar"
	reasonDatabaseError       = "database_error"
)

// routes registers the HTTP surface.
func (a *Application) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	// The provider redirects the browser here; the state identifies the user.
	mux.HandleFunc("GET /oauth/{provider}/callback", a.handleCallback)

	// Protected routes
	mux.Handle("GET /api/calendar/connections", a.requireAuth(http.HandlerFunc(a.handleListConnections)))
	mux.Handle("POST /api/calendar/{provider}/connect", a.requireAuth(http.HandlerFunc(a.handleBeginConnect)))
	mux.Handle("DELETE /api/calendar/{provider}/connection", a.requireAuth(http.HandlerFunc(a.handleDisconnect)))
	mux.Handle("POST /api/calendar/{provider}/events", a.requireAuth(http.HandlerFunc(a.handleCreateEvent)))
	mux.Handle("DELETE /api/calendar/{provider}/events/{eventID}", a.requireAuth(http.HandlerFunc(a.handleDeleteEvent)))

	return a.logRequests(mux)
}

//
// Responses
//

type errorBody struct {
	Error struct {
		Code    apperr.Kind `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (a *Application) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.WithError(err).Warn("Failed to write response")
	}
}

func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	logger := a.Logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"code":   kind,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed")
	} else {
		logger.Info("Request rejected")
	}

	var body errorBody
	body.Error.Code = kind
	body.Error.Message = apperr.PublicMessage(err)
	a.writeJSON(w, status, body)
}

// callbackReason maps a connect failure to the reason code in the redirect.
func callbackReason(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindTokenExchangeFailed, apperr.KindProviderTimeout, apperr.KindProviderError:
		return reasonTokenExchangeFailed
	case apperr.KindNoCalendarFound:
		return reasonNoPrimaryCalendar
	case apperr.KindPersistenceFailed:
		return reasonDatabaseError
	default:
		return reasonAuthFailed
	}
}

func (a *Application) settingsURL(values url.Values) string {
	return a.Config.CallbackURL() + "?" + values.Encode()
}

//
// Handlers
//

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.WithError(err).Warn("Health check failed")
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestUser returns the authenticated user and the provider path value.
func (a *Application) requestUser(w http.ResponseWriter, r *http.Request) (string, provider.Name, bool) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		// This should not happen if the middleware is applied correctly.
		a.writeError(w, r, apperr.New(apperr.KindUnauthenticated, "could not identify user", nil))
		return "", "", false
	}
	name, err := provider.ParseName(r.PathValue("provider"))
	if err != nil {
		a.writeError(w, r, err)
		return "", "", false
	}
	return userID, name, true
}

func (a *Application) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		a.writeError(w, r, apperr.New(apperr.KindUnauthenticated, "could not identify user", nil))
		return
	}
	conns, err := a.Connections.ListConnections(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if conns == nil {
		conns = []auth.ConnectionInfo{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"connections": conns})
}

// handleBeginConnect returns the provider authorization URL. The client
// navigates there itself.
func (a *Application) handleBeginConnect(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := a.requestUser(w, r)
	if !ok {
		return
	}
	authURL, err := a.Connections.BeginConnect(r.Context(), userID, name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// handleCallback finishes a connect and sends the browser back to the
// settings page with the outcome.
func (a *Application) handleCallback(w http.ResponseWriter, r *http.Request) {
	rawName := r.PathValue("provider")
	values := url.Values{"provider": {rawName}}

	name, err := provider.ParseName(rawName)
	if err == nil {
		q := r.URL.Query()
		_, err = a.Connections.CompleteConnect(r.Context(), name, auth.CallbackParams{
			Code:  q.Get("code"),
			State: q.Get("state"),
			Error: q.Get("error"),
		})
	}

	if err != nil {
		values.Set("calendar", "error")
		values.Set("reason", callbackReason(err))
	} else {
		values.Set("calendar", "connected")
	}
	http.Redirect(w, r, a.settingsURL(values), http.StatusFound)
}

func (a *Application) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := a.requestUser(w, r)
	if !ok {
		return
	}
	if err := a.Connections.Disconnect(r.Context(), userID, name); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := a.requestUser(w, r)
	if !ok {
		return
	}

	var req calendar.ScheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, r, apperr.New(apperr.KindValidation, "request body must be a JSON schedule request", err))
		return
	}

	created, err := a.Events.CreateEvent(r.Context(), userID, name, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, created)
}

func (a *Application) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := a.requestUser(w, r)
	if !ok {
		return
	}
	if err := a.Events.DeleteEvent(r.Context(), userID, name, r.PathValue("eventID")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
