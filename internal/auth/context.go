package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	subjectKey ctxKey = "auth_subject"
	roleKey    ctxKey = "auth_role"
)

// ContextWithIdentity stores the authenticated subject and role in the context.
func ContextWithIdentity(ctx context.Context, username, role string) context.Context {
	ctx = context.WithValue(ctx, subjectKey, strings.TrimSpace(username))
	role = strings.TrimSpace(strings.ToLower(role))
	if role != "" {
		ctx = context.WithValue(ctx, roleKey, role)
	}
	return ctx
}

// SubjectFromContext extracts the authenticated username from context.
func SubjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RoleFromContext returns the role stored in context, or "".
func RoleFromContext(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}
