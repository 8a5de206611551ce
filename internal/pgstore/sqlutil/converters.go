// Package sqlutil holds the small database/sql null-type converters every
// Gateway method needs.
package sqlutil

import (
	"database/sql"
	"strings"
)

// ToNullString converts a possibly-nil pointer into a sql.NullString.
func ToNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ToNullStringValue converts an empty-means-absent string into a
// sql.NullString.
func ToNullStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// FromNullString converts a sql.NullString back into a *string, nil when
// not valid.
func FromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// ToNullInt64 converts a possibly-nil pointer into a sql.NullInt64.
func ToNullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

// FromNullInt64 converts a sql.NullInt64 back into a *int64.
func FromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// JoinFeatures / SplitFeatures encode a []string feature set as a
// comma-joined column for the rare cases a join table round-trip isn't
// warranted (e.g. in-memory test fixtures); Gateway itself always uses the
// build_feature/server_feature join tables.
func JoinFeatures(features []string) string { return strings.Join(features, ",") }

func SplitFeatures(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
