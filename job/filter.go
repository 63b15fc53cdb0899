package job

import (
	"slices"
	"time"
)

// Filter narrows candidate selection and queue counts. A zero Filter
// matches everything. Builder methods return modified copies and never
// touch the receiver.
type Filter struct {
	PartnerIDs        []int64   `json:"partner_ids,omitempty"`
	ExcludePartnerIDs []int64   `json:"exclude_partner_ids,omitempty"`
	Statuses          []Status  `json:"statuses,omitempty"`
	ObjectIDs         []string  `json:"object_ids,omitempty"`
	MinPriority       *int      `json:"min_priority,omitempty"`
	MaxPriority       *int      `json:"max_priority,omitempty"`
	CreatedAfter      time.Time `json:"created_after,omitempty"`
	CreatedBefore     time.Time `json:"created_before,omitempty"`
}

// WithPartners returns a copy restricted to the given partners.
func (f Filter) WithPartners(partnerIDs ...int64) Filter {
	f.PartnerIDs = slices.Clone(partnerIDs)
	return f
}

// WithoutPartners returns a copy that excludes the given partners.
func (f Filter) WithoutPartners(partnerIDs ...int64) Filter {
	f.ExcludePartnerIDs = slices.Clone(partnerIDs)
	return f
}

// WithStatuses returns a copy restricted to the given statuses.
func (f Filter) WithStatuses(statuses ...Status) Filter {
	f.Statuses = slices.Clone(statuses)
	return f
}

// WithObjectIDs returns a copy restricted to the given object ids.
func (f Filter) WithObjectIDs(objectIDs ...string) Filter {
	f.ObjectIDs = slices.Clone(objectIDs)
	return f
}

// WithPriorityRange returns a copy restricted to priorities in [lo, hi].
func (f Filter) WithPriorityRange(lo, hi int) Filter {
	f.MinPriority, f.MaxPriority = &lo, &hi
	return f
}

// Restrict intersects base with the filter's statuses, preserving the
// order of base. Without a status restriction base is returned unchanged.
func (f Filter) Restrict(base []Status) []Status {
	if len(f.Statuses) == 0 {
		return base
	}
	out := make([]Status, 0, len(base))
	for _, s := range base {
		if slices.Contains(f.Statuses, s) {
			out = append(out, s)
		}
	}
	return out
}

// Matches reports whether a lock row satisfies every non-status field of
// the filter. Status restrictions are applied through Restrict.
func (f Filter) Matches(l *Lock) bool {
	if len(f.PartnerIDs) > 0 && !slices.Contains(f.PartnerIDs, l.PartnerID) {
		return false
	}
	if slices.Contains(f.ExcludePartnerIDs, l.PartnerID) {
		return false
	}
	if len(f.ObjectIDs) > 0 && !slices.Contains(f.ObjectIDs, l.ObjectID) {
		return false
	}
	if f.MinPriority != nil && l.Priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && l.Priority > *f.MaxPriority {
		return false
	}
	if !f.CreatedAfter.IsZero() && !l.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !l.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}
