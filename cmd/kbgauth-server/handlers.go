package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/middleware"
)

// api adapts engine operations to JSON endpoints.
type api struct {
	engine       *kbgauth.Engine
	logger       *slog.Logger
	cookieSecure bool
	sessionTTL   time.Duration
}

type userDTO struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

type loginResponse struct {
	State       string   `json:"state"`
	ChallengeID string   `json:"challengeId,omitempty"`
	Token       string   `json:"token,omitempty"`
	User        *userDTO `json:"user,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

/*
====================================
ACCOUNT
====================================
*/

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"passwordConfirm"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	p, err := a.engine.Register(r.Context(), kbgauth.RegisterRequest{
		Email:           in.Email,
		Password:        in.Password,
		PasswordConfirm: in.PasswordConfirm,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userDTO{ID: p.UserID, Email: p.Email})
}

func (a *api) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, _ := kbgauth.PrincipalFromContext(r.Context())
	var in struct {
		CurrentPassword    string `json:"currentPassword"`
		NewPassword        string `json:"newPassword"`
		NewPasswordConfirm string `json:"newPasswordConfirm"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	err := a.engine.ChangePassword(r.Context(), kbgauth.ChangePasswordRequest{
		Email:              p.Email,
		CurrentPassword:    in.CurrentPassword,
		NewPassword:        in.NewPassword,
		NewPasswordConfirm: in.NewPasswordConfirm,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := kbgauth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, userDTO{ID: p.UserID, Email: p.Email})
}

/*
====================================
LOGIN
====================================
*/

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	res, err := a.engine.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLogin(w, res)
}

// handleLoginOTP completes a two-step login. Challenge mode clients send the
// challengeId from the first step; retain-password clients resend their
// email and password with the code.
func (a *api) handleLoginOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ChallengeID string `json:"challengeId"`
		Email       string `json:"email"`
		Password    string `json:"password"`
		Code        string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	var (
		res kbgauth.LoginResult
		err error
	)
	if in.ChallengeID != "" {
		res, err = a.engine.ConfirmLoginOTP(r.Context(), in.ChallengeID, in.Code)
	} else {
		res, err = a.engine.LoginWithOTP(r.Context(), in.Email, in.Password, in.Code)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeLogin(w, res)
}

func (a *api) handleLogout(w http.ResponseWriter, _ *http.Request) {
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) writeLogin(w http.ResponseWriter, res kbgauth.LoginResult) {
	out := loginResponse{State: res.State.String(), ChallengeID: res.ChallengeID}
	if res.State == kbgauth.LoginAuthenticated {
		a.setSessionCookie(w, res.Session)
		out.Token = res.Session
		out.User = &userDTO{ID: res.Principal.UserID, Email: res.Principal.Email}
	}
	writeJSON(w, http.StatusOK, out)
}

/*
====================================
PASSWORD RESET
====================================
*/

func (a *api) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if err := a.engine.RequestPasswordReset(r.Context(), in.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *api) handleResetValidate(w http.ResponseWriter, r *http.Request) {
	st, err := a.engine.ValidateResetToken(r.Context(), r.URL.Query().Get("token"))
	if err == nil && !st.Valid {
		// Expired and unknown tokens answer alike.
		err = kbgauth.ErrResetTokenInvalid
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "email": st.Email})
}

func (a *api) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token              string `json:"token"`
		Email              string `json:"email"`
		NewPassword        string `json:"newPassword"`
		NewPasswordConfirm string `json:"newPasswordConfirm"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	err := a.engine.ConsumePasswordReset(r.Context(), kbgauth.ResetPasswordRequest{
		Token:              in.Token,
		Email:              in.Email,
		NewPassword:        in.NewPassword,
		NewPasswordConfirm: in.NewPasswordConfirm,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
TOTP
====================================
*/

func (a *api) handleTOTPBegin(w http.ResponseWriter, r *http.Request) {
	p, _ := kbgauth.PrincipalFromContext(r.Context())
	enr, err := a.engine.BeginTOTPEnrollment(r.Context(), p.Email)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := map[string]any{"secret": enr.Secret, "uri": enr.URI}
	if len(enr.QRCode) > 0 {
		out["qr"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(enr.QRCode)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	p, _ := kbgauth.PrincipalFromContext(r.Context())
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if err := a.engine.ConfirmTOTPEnrollment(r.Context(), p.Email, in.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	p, _ := kbgauth.PrincipalFromContext(r.Context())
	if err := a.engine.DisableTOTP(r.Context(), p.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
HELPERS
====================================
*/

// statusFor maps engine errors onto HTTP status codes. The body always
// carries kbgauth.PublicMessage, never err itself.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kbgauth.ErrInvalidCredentials),
		errors.Is(err, kbgauth.ErrInvalidOTP),
		errors.Is(err, kbgauth.ErrOTPReplay),
		errors.Is(err, kbgauth.ErrOTPRequired),
		errors.Is(err, kbgauth.ErrLoginChallengeExpired),
		errors.Is(err, kbgauth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, kbgauth.ErrAlreadyAuthenticated):
		return http.StatusForbidden
	case errors.Is(err, kbgauth.ErrAccountExists),
		errors.Is(err, kbgauth.ErrTOTPAlreadyEnabled),
		errors.Is(err, kbgauth.ErrNoSecretProvisioned):
		return http.StatusConflict
	case errors.Is(err, kbgauth.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, kbgauth.ErrInvalidEmail),
		errors.Is(err, kbgauth.ErrPasswordPolicy),
		errors.Is(err, kbgauth.ErrPasswordMismatch),
		errors.Is(err, kbgauth.ErrResetTokenInvalid):
		return http.StatusBadRequest
	case errors.Is(err, kbgauth.ErrEmailDelivery):
		return http.StatusBadGateway
	case errors.Is(err, kbgauth.ErrEngineNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
	}
	writeJSON(w, status, errorResponse{Error: kbgauth.PublicMessage(err)})
}

func (a *api) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.cookieSecure,
		MaxAge:   int(a.sessionTTL / time.Second),
	})
}

func (a *api) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.cookieSecure,
		MaxAge:   -1,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
