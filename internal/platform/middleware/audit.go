package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/platform/auth"
)

// AuditEntry records one state-changing request: who wrote what and how it
// ended.
type AuditEntry struct {
	RequestID  string
	SessionID  string
	Subject    string
	Roles      []string
	Method     string
	Path       string
	Route      string
	StatusCode int
	IPAddress  string
	Timestamp  time.Time
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit records every POST, PUT, PATCH and DELETE under /api/. Without a
// recorder the entry goes to logger.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "audit").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isMutation(req.Method) || !strings.HasPrefix(req.URL.Path, "/api/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := req.Context()
			entry := AuditEntry{
				RequestID:  requestID(c),
				SessionID:  auth.SessionIDFromContext(ctx),
				Subject:    auth.SubjectFromContext(ctx),
				Roles:      auth.RolesFromContext(ctx),
				Method:     req.Method,
				Path:       req.URL.Path,
				Route:      c.Path(),
				StatusCode: status,
				IPAddress:  c.RealIP(),
				Timestamp:  time.Now().UTC(),
			}

			if len(recorders) == 0 {
				logger.Info().
					Str("request_id", entry.RequestID).
					Str("subject", entry.Subject).
					Strs("roles", entry.Roles).
					Str("method", entry.Method).
					Str("route", entry.Route).
					Int("status", entry.StatusCode).
					Msg("mutation")
			}
			for _, r := range recorders {
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Str("request_id", entry.RequestID).Msg("audit record failed")
				}
			}
			return err
		}
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
