package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped) by the store. Match them with errors.Is.
var (
	ErrNotInitialized            = errors.New("store not initialized")
	ErrMigrationFailed           = errors.New("migration failed")
	ErrConnectionFailed          = errors.New("connection failed")
	ErrQueryFailed               = errors.New("query failed")
	ErrEnvelopeIndexNotFound     = errors.New("envelope index not found")
	ErrEnvelopeIndexAttachFailed = errors.New("envelope index attach failed")
	ErrEnvelopeIndexNotAttached  = errors.New("envelope index not attached")
	ErrMessageNotFound           = errors.New("message not found")
	ErrThreadNotFound            = errors.New("thread not found")
)

// queryError tags err as a query failure while keeping the cause reachable.
func queryError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrQueryFailed, err)
}
