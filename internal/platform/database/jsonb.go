package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB adapts an arbitrary Go value to a Postgres jsonb column, used for
// Job.Parameters, Task.Config, and the other jsonb columns; the error
// columns are plain text.
type JSONB[T any] struct {
	Data T
}

func (j *JSONB[T]) Scan(src any) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("JSONB.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, &j.Data)
}

func (j JSONB[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}

func (j *JSONB[T]) Get() T {
	return j.Data
}

func NewJSONB[T any](v T) JSONB[T] {
	return JSONB[T]{Data: v}
}
