// Package memory provides an in-memory database implementation.
package memory

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"

	"ringlink/database"
)

// DB is a memory-backed database.
type DB struct {
	db *memdb.MemDB
}

// New creates a new memory-backed database.
func New() *DB {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &DB{
		db: db,
	}
}

// CreateClientInfo creates a new client if it doesn't exist.
func (d *DB) CreateClientInfo(userID, connRef string) (*database.ClientInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblClients, idxClientID, userID)
	if err != nil {
		return nil, fmt.Errorf("find client by id: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", userID, database.ErrClientAlreadyExists)
	}

	info := &database.ClientInfo{
		ID:          userID,
		ConnRef:     connRef,
		ConnectedAt: time.Now(),
	}
	if err := txn.Insert(tblClients, info); err != nil {
		return nil, fmt.Errorf("insert client: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), nil
}

// FindClientInfoByID finds a client by its user ID.
func (d *DB) FindClientInfoByID(userID string) (*database.ClientInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblClients, idxClientID, userID)
	if err != nil {
		return nil, fmt.Errorf("find client by id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", userID, database.ErrClientNotFound)
	}
	return raw.(*database.ClientInfo).DeepCopy(), nil
}

// FindClientInfoByRef finds a client by its connection reference.
func (d *DB) FindClientInfoByRef(connRef string) (*database.ClientInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblClients, idxClientRef, connRef)
	if err != nil {
		return nil, fmt.Errorf("find client by ref: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", connRef, database.ErrClientNotFound)
	}
	return raw.(*database.ClientInfo).DeepCopy(), nil
}

// DeleteClientInfoByID deletes a client by its user ID.
func (d *DB) DeleteClientInfoByID(userID string) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblClients, idxClientID, userID)
	if err != nil {
		return fmt.Errorf("find client by id: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%s: %w", userID, database.ErrClientNotFound)
	}
	if err := txn.Delete(tblClients, raw); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	txn.Commit()
	return nil
}

// CreateCallInfo creates a new call log entry if it doesn't exist.
func (d *DB) CreateCallInfo(correlationID, caller, callee, media string) (*database.CallInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tblCalls, idxCallID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("find call by id: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", correlationID, database.ErrCallAlreadyExists)
	}

	info := &database.CallInfo{
		ID:        correlationID,
		Caller:    caller,
		Callee:    callee,
		Media:     media,
		Status:    database.Initiated,
		CreatedAt: time.Now(),
	}
	if err := txn.Insert(tblCalls, info); err != nil {
		return nil, fmt.Errorf("insert call: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), nil
}

// FindCallInfoByID finds a call by its correlation ID.
func (d *DB) FindCallInfoByID(correlationID string) (*database.CallInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblCalls, idxCallID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("find call by id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", correlationID, database.ErrCallNotFound)
	}
	return raw.(*database.CallInfo).DeepCopy(), nil
}

// FindOpenCallInfoByUser finds the calls involving the given user that have
// not ended yet.
func (d *DB) FindOpenCallInfoByUser(userID string) ([]*database.CallInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	var infos []*database.CallInfo
	for _, index := range []string{idxCallFrom, idxCallTo} {
		it, err := txn.Get(tblCalls, index, userID)
		if err != nil {
			return nil, fmt.Errorf("find calls by user: %w", err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			info := raw.(*database.CallInfo)
			if !info.IsOpen() {
				continue
			}
			infos = append(infos, info.DeepCopy())
		}
	}
	return infos, nil
}

// UpdateCallInfoAnswered marks the call as answered.
func (d *DB) UpdateCallInfoAnswered(correlationID string) (*database.CallInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblCalls, idxCallID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("find call by id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", correlationID, database.ErrCallNotFound)
	}
	info := raw.(*database.CallInfo).DeepCopy()
	info.Status = database.Answered
	info.AnsweredAt = time.Now()
	if err := txn.Insert(tblCalls, info); err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), nil
}

// UpdateCallInfoEnded marks the call as ended with the given outcome.
func (d *DB) UpdateCallInfoEnded(correlationID, outcome string) (*database.CallInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblCalls, idxCallID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("find call by id: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: %w", correlationID, database.ErrCallNotFound)
	}
	info := raw.(*database.CallInfo).DeepCopy()
	info.Status = database.Ended
	info.Outcome = outcome
	info.EndedAt = time.Now()
	if err := txn.Insert(tblCalls, info); err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}
	txn.Commit()
	return info.DeepCopy(), nil
}
