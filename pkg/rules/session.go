package rules

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrSessionClosed is returned when a finished session is used again.
var ErrSessionClosed = errors.New("session closed")

// Session is a caller-owned unit of work against the record store. Stores
// and components never begin or commit transactions themselves: every write
// goes through the session the caller opened, and only the caller commits.
//
// A Session must not be shared between concurrent operations.
type Session struct {
	tx   *gorm.DB
	done bool
}

// BeginSession opens a transaction on db.
func BeginSession(ctx context.Context, db *gorm.DB) (*Session, error) {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin session: %w", tx.Error)
	}
	return &Session{tx: tx}, nil
}

// DB returns the transactional handle, for collaborators outside this
// package (such as the index outbox) that write in the same unit of work.
func (s *Session) DB() *gorm.DB { return s.tx }

// Commit commits every write made through the session.
func (s *Session) Commit() error {
	if s.done {
		return ErrSessionClosed
	}
	s.done = true
	if err := s.tx.Commit().Error; err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Close rolls back the session unless it was committed. It is safe to defer
// Close right after BeginSession.
func (s *Session) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback().Error; err != nil {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}

// conn returns the handle a store statement should run on: the session when
// one is given, otherwise the store's own connection for autocommit reads.
func conn(ctx context.Context, db *gorm.DB, sess *Session) *gorm.DB {
	if sess != nil {
		return sess.tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}
