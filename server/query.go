package server

import (
	"github.com/google/uuid"

	"github.com/nomoresecretz/pktscope/common/errors"
	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server/store"
)

const (
	DefaultLimit  = 100
	DefaultWindow = 10
)

var ErrNotFound = errors.New(errors.KindNotFound, "packet not found")

// Query answers read requests against the store with request defaults
// applied.
type Query struct {
	st *store.Store
}

func NewQuery(st *store.Store) *Query {
	return &Query{st: st}
}

// Recent returns up to limit of the newest records, oldest first. A
// non-positive limit means DefaultLimit.
func (q *Query) Recent(limit int) []record.Record {
	if limit <= 0 {
		limit = DefaultLimit
	}

	return q.st.Recent(limit)
}

// Get returns the record with id. Ids that do not parse are not found.
func (q *Query) Get(id string) (record.Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return record.Record{}, ErrNotFound
	}

	rec, ok := q.st.Get(uid)
	if !ok {
		return record.Record{}, ErrNotFound
	}

	return rec, nil
}

// Context returns the record with id and its neighbours. Negative before or
// after count as zero.
func (q *Query) Context(id string, before, after int) ([]record.Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	rs, ok := q.st.Context(uid, max(before, 0), max(after, 0))
	if !ok {
		return nil, ErrNotFound
	}

	return rs, nil
}
