package store

import (
	"context"
	"database/sql"
	"time"
)

// Rate-limit counts are derived from reservation rows rather than kept as
// separate counters, so there is no second source of truth to reconcile.
// Failed and abandoned rows deliberately still count.

// CountReservationsByUserSince counts reservation rows (both kinds) created
// by the user after the cutoff.
func (s *Store) CountReservationsByUserSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT (SELECT COUNT(*) FROM collections WHERE user_id = $1 AND created_at >= $2)
		      + (SELECT COUNT(*) FROM purchases WHERE user_id = $1 AND created_at >= $2)`,
		userID, since)
	return count, err
}

// CountReservationsByIPSince counts reservation rows (both kinds) created
// from the IP after the cutoff. Defends against wallet rotation bypassing
// the per-user ceiling.
func (s *Store) CountReservationsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT (SELECT COUNT(*) FROM collections WHERE ip_address = $1 AND created_at >= $2)
		      + (SELECT COUNT(*) FROM purchases WHERE ip_address = $1 AND created_at >= $2)`,
		ip, since)
	return count, err
}

// OldestReservationByUserSince returns the creation time of the user's
// oldest row inside the window. The limiter uses it to tell a denied caller
// when the sliding window frees a slot.
func (s *Store) OldestReservationByUserSince(ctx context.Context, userID int64, since time.Time) (time.Time, bool, error) {
	var oldest sql.NullTime
	err := s.db.GetContext(ctx, &oldest,
		`SELECT MIN(created_at) FROM (
		   SELECT created_at FROM collections WHERE user_id = $1 AND created_at >= $2
		   UNION ALL
		   SELECT created_at FROM purchases WHERE user_id = $1 AND created_at >= $2
		 ) t`,
		userID, since)
	if err != nil {
		return time.Time{}, false, err
	}
	return oldest.Time, oldest.Valid, nil
}

// OldestReservationByIPSince is the per-IP counterpart of
// OldestReservationByUserSince.
func (s *Store) OldestReservationByIPSince(ctx context.Context, ip string, since time.Time) (time.Time, bool, error) {
	var oldest sql.NullTime
	err := s.db.GetContext(ctx, &oldest,
		`SELECT MIN(created_at) FROM (
		   SELECT created_at FROM collections WHERE ip_address = $1 AND created_at >= $2
		   UNION ALL
		   SELECT created_at FROM purchases WHERE ip_address = $1 AND created_at >= $2
		 ) t`,
		ip, since)
	if err != nil {
		return time.Time{}, false, err
	}
	return oldest.Time, oldest.Valid, nil
}
