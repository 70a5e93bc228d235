package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxSubject ctxKey = iota
	ctxStoreID
	ctxRole
)

func WithIdentity(ctx context.Context, subject, storeID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxSubject, subject)
	ctx = context.WithValue(ctx, ctxStoreID, storeID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func Subject(ctx context.Context) (string, error) {
	v := ctx.Value(ctxSubject)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("subject not in context")
}

// StoreID is empty for tokens that are not store-scoped.
func StoreID(ctx context.Context) string {
	s, _ := ctx.Value(ctxStoreID).(string)
	return s
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
