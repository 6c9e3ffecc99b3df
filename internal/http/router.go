package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/account"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/auth"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/domainsync"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/mailroute"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/monitor"
	"github.com/investblog/spintax-domain-manager-sub000/internal/service/redirect"
	"github.com/investblog/spintax-domain-manager-sub000/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	domains   domainsync.Service
	redirects *redirect.Service
	monitor   monitor.Service
	mail      mailroute.Service
	accounts  account.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitRPC       = 60
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, domainSvc domainsync.Service, redirectSvc *redirect.Service, monitorSvc monitor.Service, mailSvc mailroute.Service, accountSvc account.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		auth:      authSvc,
		domains:   domainSvc,
		redirects: redirectSvc,
		monitor:   monitorSvc,
		mail:      mailSvc,
		accounts:  accountSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit(rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit(rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/rpc", r.audit(r.handlerAuthRate(rateLimitRPC, rateWindowDefault, r.requireCSRF(r.handleRPC))))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate(rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := r.auth.Register(req.Context(), payload.Email, payload.Password, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, session, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":       user.ID,
			"email":    user.Email,
			"is_admin": user.IsAdmin,
		},
		"access_token": session.AccessToken,
		"csrf_token":   session.CSRFToken,
		"expires_in":   int64(session.ExpiresIn.Seconds()),
	})
}

func (r *Router) handleRPC(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var envelope struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action := strings.TrimSpace(envelope.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, "action required")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for rpc", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	// Every RPC action mutates stored state or drives an external provider,
	// so the whole surface is reserved for admin operators.
	if !info.IsAdmin {
		writeError(w, http.StatusForbidden, "admin privileges required")
		return
	}

	result, projectID, err := r.dispatch(req.Context(), action, envelope.Payload)
	if err != nil {
		r.publishEvent(action, projectID, "error", err.Error())
		writeError(w, statusForError(err), err.Error())
		return
	}
	r.publishEvent(action, projectID, "ok", result)
	writeJSON(w, http.StatusOK, map[string]any{
		"action": action,
		"result": result,
	})
}

func (r *Router) dispatch(ctx context.Context, action string, raw json.RawMessage) (any, string, error) {
	switch action {
	case "domains.sync":
		var p struct {
			ProjectID string `json:"project_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		res, err := r.domains.SyncProjectDomains(ctx, p.ProjectID)
		return res, p.ProjectID, err
	case "domains.assign":
		var p struct {
			ProjectID string   `json:"project_id"`
			DomainIDs []string `json:"domain_ids"`
			SiteID    string   `json:"site_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		res, err := r.domains.AssignDomainsToSite(ctx, p.DomainIDs, p.SiteID)
		return res, p.ProjectID, err
	case "domains.unassign":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		err := r.domains.UnassignDomain(ctx, p.DomainID)
		return map[string]string{"domain_id": p.DomainID}, p.ProjectID, err
	case "domains.delete":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		err := r.domains.DeleteDomain(ctx, p.DomainID)
		return map[string]string{"domain_id": p.DomainID}, p.ProjectID, err
	case "domains.mass_update":
		var p struct {
			ProjectID string                       `json:"project_id"`
			DomainIDs []string                     `json:"domain_ids"`
			Action    string                       `json:"action"`
			Options   domainsync.MassUpdateOptions `json:"options"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		res, err := r.domains.MassUpdateDomains(ctx, p.DomainIDs, p.Action, p.Options)
		return res, p.ProjectID, err
	case "domains.mass_add":
		var p struct {
			ProjectID string   `json:"project_id"`
			Names     []string `json:"names"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		res, err := r.domains.MassAddDomains(ctx, p.ProjectID, p.Names)
		return res, p.ProjectID, err
	case "domains.connect_ns":
		var p struct {
			ProjectID string   `json:"project_id"`
			DomainIDs []string `json:"domain_ids"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		res, err := r.domains.ConnectNameservers(ctx, p.ProjectID, p.DomainIDs)
		return res, p.ProjectID, err
	case "redirects.upsert":
		var p struct {
			ProjectID string         `json:"project_id"`
			Redirect  redirect.Input `json:"redirect"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		id, err := r.redirects.AddOrUpdate(ctx, p.ProjectID, p.Redirect)
		return map[string]string{"redirect_id": id}, p.ProjectID, err
	case "redirects.create_default":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		id, err := r.redirects.CreateDefault(ctx, p.ProjectID, p.DomainID)
		return map[string]string{"redirect_id": id}, p.ProjectID, err
	case "redirects.create_defaults":
		var p struct {
			ProjectID string   `json:"project_id"`
			DomainIDs []string `json:"domain_ids"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		res := r.redirects.CreateDefaults(ctx, p.ProjectID, p.DomainIDs)
		return res, p.ProjectID, nil
	case "redirects.rebuild":
		var p struct {
			ProjectID string `json:"project_id"`
			ZoneID    string `json:"zone_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		rules, err := r.redirects.RebuildZoneRules(ctx, p.ProjectID, p.ZoneID)
		return map[string]int{"rules": rules}, p.ProjectID, err
	case "redirects.delete":
		var p struct {
			ProjectID  string `json:"project_id"`
			RedirectID string `json:"redirect_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		err := r.redirects.Delete(ctx, p.ProjectID, p.RedirectID)
		return map[string]string{"redirect_id": p.RedirectID}, p.ProjectID, err
	case "monitoring.sync":
		var p struct {
			SiteID string `json:"site_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		if p.SiteID != "" {
			created, err := r.monitor.SyncSite(ctx, p.SiteID)
			return map[string]int{"tasks_created": created}, "", err
		}
		summary, err := r.monitor.SyncAll(ctx)
		return summary, "", err
	case "monitoring.disable":
		var p struct {
			SiteID string `json:"site_id"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		deleted, err := r.monitor.DisableSite(ctx, p.SiteID)
		return map[string]int{"tasks_deleted": deleted}, "", err
	case "email.enable_routing":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
			Mailbox   string `json:"mailbox"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		report, err := r.mail.EnableRouting(ctx, p.ProjectID, p.DomainID, p.Mailbox)
		return report, p.ProjectID, err
	case "email.forward_address":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
			LocalPart string `json:"local_part"`
			Mailbox   string `json:"mailbox"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		report, err := r.mail.ForwardAddress(ctx, p.ProjectID, p.DomainID, p.LocalPart, p.Mailbox)
		return report, p.ProjectID, err
	case "email.create_mailbox":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
			LocalPart string `json:"local_part"`
			Password  string `json:"password"`
			Admin     bool   `json:"admin"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		email, err := r.mail.CreateMailbox(ctx, p.ProjectID, p.DomainID, p.LocalPart, p.Password, p.Admin)
		if err != nil {
			return nil, p.ProjectID, err
		}
		return map[string]string{"email": email}, p.ProjectID, nil
	case "email.delete_mailbox":
		var p struct {
			ProjectID string `json:"project_id"`
			DomainID  string `json:"domain_id"`
			LocalPart string `json:"local_part"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		email, err := r.mail.DeleteMailbox(ctx, p.ProjectID, p.DomainID, p.LocalPart)
		if err != nil {
			return nil, p.ProjectID, err
		}
		return map[string]string{"email": email}, p.ProjectID, nil
	case "accounts.save":
		var p account.SaveInput
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		id, err := r.accounts.Save(ctx, p)
		return map[string]string{"account_id": id}, p.ProjectID, err
	case "accounts.test":
		var p struct {
			ProjectID   string  `json:"project_id"`
			SiteID      *string `json:"site_id,omitempty"`
			ServiceSlug string  `json:"service_slug"`
		}
		if err := decodePayload(raw, &p); err != nil {
			return nil, "", err
		}
		if err := r.accounts.Test(ctx, p.ProjectID, p.SiteID, p.ServiceSlug); err != nil {
			return nil, p.ProjectID, err
		}
		return map[string]string{"result": "ok"}, p.ProjectID, nil
	default:
		return nil, "", errUnknownAction
	}
}

var errUnknownAction = errors.New("unknown action")

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("payload required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.New("invalid payload")
	}
	return nil
}

func statusForError(err error) int {
	var provErr *provider.Error
	switch {
	case errors.Is(err, errUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domainsync.ErrMainDomain),
		errors.Is(err, domainsync.ErrAssignedElsewhere):
		return http.StatusConflict
	case errors.Is(err, domainsync.ErrNotAssigned),
		errors.Is(err, domainsync.ErrUnknownAction),
		errors.Is(err, redirect.ErrWrongProject),
		errors.Is(err, redirect.ErrSelfRedirect),
		errors.Is(err, redirect.ErrNoSite),
		errors.Is(err, redirect.ErrInvalidInput),
		errors.Is(err, mailroute.ErrNoZone),
		errors.Is(err, account.ErrNoAccount),
		errors.Is(err, account.ErrUnknownService):
		return http.StatusBadRequest
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	default:
		var validationErr *account.ValidationError
		if errors.As(err, &validationErr) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

func (r *Router) publishEvent(action, projectID, status string, detail any) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(ws.Event{
		Action:    action,
		ProjectID: projectID,
		Status:    status,
		Detail:    detail,
	})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.IsAdmin {
				fields = append(fields, "admin", true)
			}
		}
		fields = append(fields, "actor", actor)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
