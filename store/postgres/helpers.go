package postgres

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/batch/id"
	"github.com/xraph/batch/job"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

// arg binds v and returns its placeholder.
func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) and(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// filter adds the non-status predicates of f.
func (w *where) filter(f job.Filter) {
	if len(f.PartnerIDs) > 0 {
		w.and("partner_id = ANY(" + w.arg(f.PartnerIDs) + ")")
	}
	if len(f.ExcludePartnerIDs) > 0 {
		w.and("NOT (partner_id = ANY(" + w.arg(f.ExcludePartnerIDs) + "))")
	}
	if len(f.ObjectIDs) > 0 {
		w.and("object_id = ANY(" + w.arg(f.ObjectIDs) + ")")
	}
	if f.MinPriority != nil {
		w.and("priority >= " + w.arg(*f.MinPriority))
	}
	if f.MaxPriority != nil {
		w.and("priority <= " + w.arg(*f.MaxPriority))
	}
	if !f.CreatedAfter.IsZero() {
		w.and("created_at > " + w.arg(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		w.and("created_at < " + w.arg(f.CreatedBefore))
	}
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// nullableID maps the nil ID to SQL NULL.
func nullableID(i id.ID) *string {
	if i.IsNil() {
		return nil
	}
	s := i.String()
	return &s
}

func parseNullableID(s *string) (id.ID, error) {
	if s == nil {
		return id.Nil, nil
	}
	return id.ParseOptional(*s)
}
