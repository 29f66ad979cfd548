// Package database provides an interface for database operations.
package database

import (
	"errors"
)

var (
	// ErrClientAlreadyExists is returned when the client already exists.
	ErrClientAlreadyExists = errors.New("client already exists")

	// ErrClientNotFound is returned when the client is not found.
	ErrClientNotFound = errors.New("client not found")

	// ErrCallAlreadyExists is returned when the call already exists.
	ErrCallAlreadyExists = errors.New("call already exists")

	// ErrCallNotFound is returned when the call is not found.
	ErrCallNotFound = errors.New("call not found")
)

// Database is an interface for database operations.
type Database interface {
	CreateClientInfo(userID, connRef string) (*ClientInfo, error)
	FindClientInfoByID(userID string) (*ClientInfo, error)
	FindClientInfoByRef(connRef string) (*ClientInfo, error)
	DeleteClientInfoByID(userID string) error

	CreateCallInfo(correlationID, caller, callee, media string) (*CallInfo, error)
	FindCallInfoByID(correlationID string) (*CallInfo, error)
	FindOpenCallInfoByUser(userID string) ([]*CallInfo, error)
	UpdateCallInfoAnswered(correlationID string) (*CallInfo, error)
	UpdateCallInfoEnded(correlationID, outcome string) (*CallInfo, error)
}
