package httpapi

import (
	"errors"
	"net/http"
	"time"

	"codecanvas.io/internal/audit"
	"codecanvas.io/internal/auth"
)

type initiateRequest struct {
	RedirectURI         string `json:"redirect_uri" validate:"required,url,max=2048"`
	State               string `json:"state" validate:"omitempty,max=256"`
	CodeChallenge       string `json:"code_challenge" validate:"omitempty,len=43"`
	CodeChallengeMethod string `json:"code_challenge_method" validate:"omitempty,oneof=S256"`
}

type completeRequest struct {
	State       string `json:"state" validate:"required"`
	RedirectURI string `json:"redirect_uri" validate:"required"`
	Username    string `json:"username" validate:"omitempty,max=128"`
}

type attachCodeRequest struct {
	State             string `json:"state" validate:"required"`
	AuthorizationCode string `json:"authorization_code" validate:"required"`
	Username          string `json:"username" validate:"omitempty,max=128"`
}

type clientInfo struct {
	Name     string `json:"name" validate:"omitempty,max=64"`
	Version  string `json:"version" validate:"omitempty,max=64"`
	Platform string `json:"platform" validate:"omitempty,max=64"`
}

type tokenRequest struct {
	State             string      `json:"state" validate:"required"`
	AuthorizationCode string      `json:"authorization_code" validate:"required"`
	CodeVerifier      string      `json:"code_verifier" validate:"required"`
	RedirectURI       string      `json:"redirect_uri" validate:"required"`
	Label             string      `json:"label" validate:"omitempty,max=128"`
	Client            *clientInfo `json:"client"`
}

type tokenResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	Session   auth.SessionTokens `json:"session"`
	User      auth.Profile       `json:"user"`
}

type refreshRequest struct {
	RefreshToken string      `json:"refresh_token" validate:"required"`
	Client       *clientInfo `json:"client"`
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (a *API) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	res, err := a.exchanges.Initiate(r.Context(), auth.InitiateRequest{
		RedirectURI:         req.RedirectURI,
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	hints := auth.ProfileHints{Username: req.Username}
	if assertion, ok := assertionFromContext(r.Context()); ok {
		hints.Email = assertion.Email
	}
	user, err := a.exchanges.CompleteWithIdentity(r.Context(), req.State, principal.Identity, req.RedirectURI, hints)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventExchangeCompleted, map[string]any{"path": "identity"})
	writeJSON(w, http.StatusOK, user.Public())
}

func (a *API) handleAttachCode(w http.ResponseWriter, r *http.Request) {
	var req attachCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	hints := auth.ProfileHints{Username: req.Username}
	if assertion, ok := assertionFromContext(r.Context()); ok {
		hints.Email = assertion.Email
	}
	user, err := a.exchanges.AttachAuthorizationCode(r.Context(), req.State, principal.Identity, req.AuthorizationCode, hints)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventExchangeCompleted, map[string]any{"path": "authorization_code"})
	writeJSON(w, http.StatusOK, user.Public())
}

// handleToken redeems a completed exchange for a live session and a
// long-lived extension token. The session is started first: issuing the
// extension token revokes the caller's previous one, so it must be the last
// step that can fail.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	ctx := r.Context()
	user, err := a.exchanges.Redeem(ctx, auth.RedeemRequest{
		State:             req.State,
		AuthorizationCode: req.AuthorizationCode,
		CodeVerifier:      req.CodeVerifier,
		RedirectURI:       req.RedirectURI,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{Identity: user.Identity, Credential: auth.CredentialExtension})

	session, err := a.tokens.StartSession(ctx, user.Identity, clientMeta(r, req.Client))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	issued, err := a.tokens.IssueLongLivedToken(ctx, user.Identity, req.Label)
	if err != nil {
		// the session's refresh token never left the server; it expires unused
		writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, audit.EventSessionStarted, map[string]any{"session_id": session.SessionID})
	_ = audit.LogEvent(ctx, audit.EventTokenIssued, map[string]any{
		"expires_at": issued.ExpiresAt,
		"label":      issued.Label,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Session:   session,
		User:      user.Public(),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var meta *auth.ClientMeta
	if req.Client != nil {
		m := clientMeta(r, req.Client)
		meta = &m
	}
	out, err := a.tokens.RotateSession(r.Context(), req.RefreshToken, meta)
	if err != nil {
		if errors.Is(err, auth.ErrSessionInactive) {
			_ = audit.LogEvent(r.Context(), audit.EventSessionReplayRejected, map[string]any{
				"remote_ip": clientIP(r),
			})
		}
		writeErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSessionRotated, map[string]any{"session_id": out.SessionID})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if profile, ok := profileFromContext(r.Context()); ok {
		writeJSON(w, http.StatusOK, profile)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	profile, err := a.tokens.VerifyLongLivedToken(r.Context(), token)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleRevoke revokes the given extension token, or every token and
// session of the caller when none is given. An empty body is allowed.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBadRequest(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	res, err := a.tokens.Revoke(r.Context(), principal.Identity, req.Token)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	scope := "all"
	if req.Token != "" {
		scope = "single"
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenRevoked, map[string]any{
		"scope":          scope,
		"tokens_revoked": res.TokensRevoked,
		"sessions_ended": res.SessionsEnded,
	})
	writeJSON(w, http.StatusOK, res)
}

func clientMeta(r *http.Request, c *clientInfo) auth.ClientMeta {
	meta := auth.ClientMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if c != nil {
		meta.Name = c.Name
		meta.Version = c.Version
		meta.Platform = c.Platform
	}
	return meta
}
