package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apishield/admission-control/abuse"
	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/notifier"
	"github.com/apishield/admission-control/repository"
	"github.com/apishield/admission-control/store"
)

// AdminHandler exposes the operator surface: key lifecycle, IP
// block/whitelist management, notification preferences and the
// breach history.
type AdminHandler struct {
	keys      *repository.APIKeyRepository
	users     *repository.UserRepository
	breaches  *repository.BreachEventRepository
	detector  *abuse.Detector
	notify    *notifier.Notifier
	st        *store.Store
	log       *zap.Logger
	startedAt time.Time
}

func NewAdminHandler(keys *repository.APIKeyRepository, users *repository.UserRepository, breaches *repository.BreachEventRepository, detector *abuse.Detector, notify *notifier.Notifier, st *store.Store, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		keys:      keys,
		users:     users,
		breaches:  breaches,
		detector:  detector,
		notify:    notify,
		st:        st,
		log:       log,
		startedAt: time.Now(),
	}
}

func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.st.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// requireDB guards endpoints that need Postgres; the gateway can run
// without it, admitting traffic on tier defaults only.
func (h *AdminHandler) requireDB(w http.ResponseWriter) bool {
	if h.keys == nil || h.users == nil {
		writeError(w, http.StatusServiceUnavailable, "durable storage not configured")
		return false
	}
	return true
}

// ---- Users ----

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var req struct {
		Email string `json:"email"`
		Tier  string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	tier := models.Tier(req.Tier)
	if req.Tier != "" && !models.ValidTier(tier) {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	user := &models.User{Email: req.Email, Tier: tier}
	if err := h.users.Create(r.Context(), user); err != nil {
		h.log.Error("user creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *AdminHandler) UpdateUserTier(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Tier   string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	tier := models.Tier(req.Tier)
	if !models.ValidTier(tier) {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	if err := h.users.UpdateTier(r.Context(), userID, tier); err != nil {
		h.log.Error("tier update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update tier")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "tier": string(tier)})
}

// ---- API keys ----

type issueKeyRequest struct {
	OwnerUserID string     `json:"owner_user_id"`
	Name        string     `json:"name"`
	Tier        string     `json:"tier"`
	RateLimit   int        `json:"rate_limit,omitempty"`
	WindowMs    int64      `json:"window_ms,omitempty"`
	Burst       int        `json:"burst,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (h *AdminHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerUserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_user_id")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	tier := models.Tier(req.Tier)
	if req.Tier == "" {
		tier = models.TierFree
	}
	if !models.ValidTier(tier) {
		writeError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	key, secret, err := h.keys.Issue(r.Context(), repository.IssueParams{
		OwnerUserID: ownerID,
		Name:        req.Name,
		Tier:        tier,
		RateLimit:   req.RateLimit,
		WindowMs:    req.WindowMs,
		Burst:       req.Burst,
		Scopes:      req.Scopes,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.log.Error("key issuance failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue key")
		return
	}

	// The plaintext secret appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":    key,
		"secret": secret,
	})
}

func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}
	keys, err := h.keys.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.log.Error("key listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "count": len(keys)})
}

func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var req struct {
		KeyID string `json:"key_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	keyID, err := uuid.Parse(req.KeyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key_id")
		return
	}
	if err := h.keys.Revoke(r.Context(), keyID); err != nil {
		if err == models.ErrInvalidKey {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		h.log.Error("key revocation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "key_id": req.KeyID})
}

func (h *AdminHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var req struct {
		KeyID string `json:"key_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	keyID, err := uuid.Parse(req.KeyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key_id")
		return
	}
	key, secret, err := h.keys.Rotate(r.Context(), keyID)
	if err != nil {
		switch err {
		case models.ErrInvalidKey:
			writeError(w, http.StatusNotFound, "key not found")
		case models.ErrKeyRevoked:
			writeError(w, http.StatusConflict, "key already revoked")
		default:
			h.log.Error("key rotation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to rotate key")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"secret": secret,
	})
}

// ---- IP management ----

func (h *AdminHandler) GetBlockedIPs(w http.ResponseWriter, r *http.Request) {
	records, err := h.detector.ListBlocked(r.Context())
	if err != nil {
		h.log.Error("blocked ip listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list blocked ips")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocked": records, "count": len(records)})
}

func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP       string `json:"ip"`
		Reason   string `json:"reason"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	severity := models.Severity(req.Severity)
	if req.Severity == "" {
		severity = models.SeverityMedium
	}
	if !models.ValidSeverity(severity) {
		writeError(w, http.StatusBadRequest, "unknown severity")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}

	record, err := h.detector.BlockIP(r.Context(), req.IP, req.Reason, severity, false)
	if err != nil {
		h.log.Error("manual block failed", zap.String("ip", req.IP), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to block ip")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := h.detector.UnblockIP(r.Context(), req.IP); err != nil {
		h.log.Error("unblock failed", zap.String("ip", req.IP), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to unblock ip")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": req.IP})
}

func (h *AdminHandler) GetWhitelist(w http.ResponseWriter, r *http.Request) {
	ips, err := h.detector.Whitelist(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list whitelist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"whitelist": ips, "count": len(ips)})
}

func (h *AdminHandler) WhitelistIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := h.detector.WhitelistIP(r.Context(), req.IP); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to whitelist ip")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "whitelisted", "ip": req.IP})
}

func (h *AdminHandler) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := h.detector.RemoveFromWhitelist(r.Context(), req.IP); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove ip from whitelist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "ip": req.IP})
}

// ---- Notification preferences ----

func (h *AdminHandler) GetNotificationPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.notify.GetPreferences(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *AdminHandler) SetNotificationPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := &notifier.Preferences{}
	if err := json.NewDecoder(r.Body).Decode(prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.notify.SetPreferences(r.Context(), prefs, r.URL.Query().Get("user_id")); err != nil {
		if errorsIsInvalidPrefs(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("preference update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// ---- Breach history ----

// GetBreachHistory reads from the bounded store history by default;
// source=durable reads the Postgres tail instead when available.
func (h *AdminHandler) GetBreachHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	if r.URL.Query().Get("source") == "durable" && h.breaches != nil {
		events, err := h.breaches.ListRecent(r.Context(), limit, offset)
		if err != nil {
			h.log.Error("durable breach history query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to read breach history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
		return
	}

	events, err := h.notify.History(r.Context(), int64(limit), int64(offset))
	if err != nil {
		h.log.Error("breach history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read breach history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// ---- helpers ----

func queryInt(r *http.Request, name string, defaultVal int) int {
	if val := r.URL.Query().Get(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			return n
		}
	}
	return defaultVal
}

func errorsIsInvalidPrefs(err error) bool {
	return errors.Is(err, notifier.ErrInvalidPreferences)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
