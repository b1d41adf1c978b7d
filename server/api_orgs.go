package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tickloom/tickloom/server/auth"
	"github.com/tickloom/tickloom/server/store"
)

const inviteTTL = 7 * 24 * time.Hour

func nextMonthStart(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

// handleSignup bootstraps a tenant: organization, webhook secret and the
// first API key. The key plaintext appears in this response only.
func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Tier  string `json:"tier"`
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}

	details := map[string]string{}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		details["name"] = "required"
	}
	tier := store.TierFree
	switch req.Tier {
	case "", string(store.TierFree):
	case string(store.TierPro):
		tier = store.TierPro
	default:
		details["tier"] = "must be free or pro"
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		details["email"] = "must be an email address"
	}
	if len(details) > 0 {
		writeValidation(w, details)
		return
	}

	secret, err := auth.RandomToken(24)
	if err != nil {
		a.storeError(w, err)
		return
	}
	now := time.Now().UTC()
	org := &store.Organization{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Tier:             tier,
		WebhookSecret:    secret,
		ResetAt:          nextMonthStart(now),
		NotifyOnFailure:  true,
		NotifyOnRecovery: true,
		NotifyEmail:      req.Email,
		CreatedAt:        now,
	}
	ctx := r.Context()
	if err := a.store.CreateOrganization(ctx, org); err != nil {
		a.storeError(w, err)
		return
	}

	plaintext, keyID, hash, err := auth.Mint()
	if err != nil {
		a.storeError(w, err)
		return
	}
	key := &store.APIKey{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Name:           "default",
		KeyID:          keyID,
		KeyHash:        hash,
		CreatedAt:      now,
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		a.storeError(w, err)
		return
	}

	writeMessage(w, http.StatusCreated, map[string]any{
		"organization": org,
		"api_key":      plaintext,
		"key_id":       keyID,
	}, "store the api key now; it is not shown again")
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	writeData(w, http.StatusOK, org)
}

func (a *API) handleUpdateNotifications(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req struct {
		NotifyOnFailure  *bool   `json:"notify_on_failure"`
		NotifyOnRecovery *bool   `json:"notify_on_recovery"`
		NotifyEmail      *string `json:"notify_email"`
		NotifyWebhookURL *string `json:"notify_webhook_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if req.NotifyWebhookURL != nil && *req.NotifyWebhookURL != "" && !validHTTPURL(*req.NotifyWebhookURL) {
		writeValidation(w, map[string]string{"notify_webhook_url": "must be an absolute http(s) URL"})
		return
	}
	if req.NotifyEmail != nil && *req.NotifyEmail != "" && !strings.Contains(*req.NotifyEmail, "@") {
		writeValidation(w, map[string]string{"notify_email": "must be an email address"})
		return
	}

	cp := *org
	if req.NotifyOnFailure != nil {
		cp.NotifyOnFailure = *req.NotifyOnFailure
	}
	if req.NotifyOnRecovery != nil {
		cp.NotifyOnRecovery = *req.NotifyOnRecovery
	}
	if req.NotifyEmail != nil {
		cp.NotifyEmail = *req.NotifyEmail
	}
	if req.NotifyWebhookURL != nil {
		cp.NotifyWebhookURL = *req.NotifyWebhookURL
	}
	if err := a.store.UpdateOrganizationNotify(r.Context(), &cp); err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, cp)
}

// --- API keys ---

func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	keys, err := a.store.ListAPIKeys(r.Context(), org.ID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	writeData(w, http.StatusOK, keys)
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeValidation(w, map[string]string{"name": "required"})
		return
	}

	plaintext, keyID, hash, err := auth.Mint()
	if err != nil {
		a.storeError(w, err)
		return
	}
	key := &store.APIKey{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Name:           req.Name,
		KeyID:          keyID,
		KeyHash:        hash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.CreateAPIKey(r.Context(), key); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, map[string]any{
		"id":      key.ID,
		"key_id":  key.KeyID,
		"name":    key.Name,
		"api_key": plaintext,
	}, "store the api key now; it is not shown again")
}

// handleDeleteAPIKey revokes a key and drops it from the auth cache so
// the revocation takes effect on every node immediately.
func (a *API) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")

	keys, err := a.store.ListAPIKeys(ctx, org.ID)
	if err != nil {
		a.storeError(w, err)
		return
	}
	var target *store.APIKey
	for _, k := range keys {
		if k.ID == id {
			target = k
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, "not_found", "api key not found")
		return
	}
	if err := a.store.DeleteAPIKey(ctx, org.ID, id); err != nil {
		a.storeError(w, err)
		return
	}
	a.auth.Invalidate(ctx, target.KeyID)
	writeMessage(w, http.StatusOK, map[string]string{"id": id}, "api key deleted")
}

// --- Invites ---

func (a *API) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	org := orgFrom(w, r)
	if org == nil {
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeValidation(w, map[string]string{"email": "must be an email address"})
		return
	}

	token, err := auth.RandomToken(24)
	if err != nil {
		a.storeError(w, err)
		return
	}
	now := time.Now().UTC()
	inv := &store.OrgInvite{
		Token:          token,
		OrganizationID: org.ID,
		Email:          req.Email,
		ExpiresAt:      now.Add(inviteTTL),
		CreatedAt:      now,
	}
	if err := a.store.CreateInvite(r.Context(), inv); err != nil {
		a.storeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, inv)
}

// handleAcceptInvite redeems an invite token for a fresh API key on the
// inviting organization. Single use; expiry enforced by the store.
func (a *API) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv, err := a.store.AcceptInvite(ctx, r.PathValue("token"), time.Now().UTC())
	if err != nil {
		a.storeError(w, err)
		return
	}

	plaintext, keyID, hash, err := auth.Mint()
	if err != nil {
		a.storeError(w, err)
		return
	}
	key := &store.APIKey{
		ID:             uuid.NewString(),
		OrganizationID: inv.OrganizationID,
		Name:           "invite:" + inv.Email,
		KeyID:          keyID,
		KeyHash:        hash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.CreateAPIKey(ctx, key); err != nil {
		a.storeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, map[string]any{
		"organization_id": inv.OrganizationID,
		"api_key":         plaintext,
		"key_id":          keyID,
	}, "store the api key now; it is not shown again")
}
