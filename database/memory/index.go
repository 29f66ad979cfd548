// Package memory provides an in-memory database implementation.
package memory

import "github.com/hashicorp/go-memdb"

const (
	tblClients = "clients"
	tblCalls   = "calls"
)

const (
	idxClientID  = "id"
	idxClientRef = "ref"
	idxCallID    = "id"
	idxCallFrom  = "caller"
	idxCallTo    = "callee"
)

// schema is the schema of the memory database.
var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblClients: {
			Name: tblClients,
			Indexes: map[string]*memdb.IndexSchema{
				idxClientID: {
					Name:    idxClientID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxClientRef: {
					Name:    idxClientRef,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ConnRef"},
				},
			},
		},
		tblCalls: {
			Name: tblCalls,
			Indexes: map[string]*memdb.IndexSchema{
				idxCallID: {
					Name:    idxCallID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxCallFrom: {
					Name:    idxCallFrom,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Caller"},
				},
				idxCallTo: {
					Name:    idxCallTo,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Callee"},
				},
			},
		},
	},
}
