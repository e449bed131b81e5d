package flows

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Credentials mirrors the stored credential row without importing the root
// package.
type Credentials struct {
	UserID        int64
	Email         string
	PasswordHash  string
	TOTPSecret    string
	TOTPActivated bool
}

// AuditFunc emits one audit event. meta is only called when auditing is on.
type AuditFunc func(ctx context.Context, event string, success bool, userID int64, err error, meta func() map[string]string)

// Hooks are the side channels every flow reports through. The engine builds
// one set and copies it into each flow's deps.
type Hooks struct {
	Now       func() time.Time
	Logger    *slog.Logger
	MetricInc func(int)
	EmitAudit AuditFunc
}

func (h *Hooks) normalize() {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.MetricInc == nil {
		h.MetricInc = func(int) {}
	}
	if h.EmitAudit == nil {
		h.EmitAudit = func(context.Context, string, bool, int64, error, func() map[string]string) {}
	}
}
