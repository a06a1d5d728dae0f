// Package conflict decides whether a locally modified record materially
// differs from the server's copy and which side wins, last writer first.
package conflict

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
)

// comparedFields lists the fields whose difference counts as a conflict.
var comparedFields = map[models.Table][]string{
	models.TableTodos: {"title", "detail", "priority", "due_date", "due_time", "completed"},
	models.TableLists: {"name", "color"},
}

// ComparedFields returns the fields compared for a table.
func ComparedFields(table models.Table) []string {
	return comparedFields[table]
}

// serverTimeLayouts are tried in order when parsing server timestamps.
// Naive layouts are read as UTC.
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Resolver applies last-writer-wins between a local and a server record.
type Resolver struct {
	skew time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClockSkew requires a local write to be newer than the server's by
// more than d before it wins.
func WithClockSkew(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.skew = d
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasConflict reports whether any compared field differs. A field that is
// null on one side only is a difference; null on both sides is not.
func HasConflict(local, server *models.Record) bool {
	if local == nil || server == nil {
		return false
	}
	for _, field := range ComparedFields(server.Table) {
		lv, lok := normalize(local.Fields[field])
		sv, sok := normalize(server.Fields[field])
		if !lok && !sok {
			continue
		}
		if lok != sok || lv != sv {
			return true
		}
	}
	return false
}

// normalize maps a decoded JSON value to a comparable form. The boolean
// result is false for null or absent values.
func normalize(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
		return x.String(), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case string, bool, float64:
		return x, true
	default:
		// Objects and arrays compare by their JSON encoding.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, true
		}
		return string(b), true
	}
}

// ServerTimestamp returns the server's modification time from updated_at,
// falling back to created_at. ok is false if neither parses.
func ServerTimestamp(server *models.Record) (time.Time, bool) {
	for _, field := range []string{"updated_at", "created_at"} {
		if t, ok := parseTime(server.Fields[field]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range serverTimeLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, true
			}
		}
	case float64:
		if x > 0 {
			return time.UnixMilli(int64(x)), true
		}
	case int64:
		if x > 0 {
			return time.UnixMilli(x), true
		}
	}
	return time.Time{}, false
}

// Resolve picks the winner of a detected conflict. The local record wins
// only if its LastModified is strictly later than the server timestamp plus
// the skew window; ties and unparseable server times go to the server.
func (r *Resolver) Resolve(local, server *models.Record) (*models.Record, models.Resolution) {
	serverTime, ok := ServerTimestamp(server)
	localTime := time.UnixMilli(local.LastModified)

	winner, resolution := server, models.ResolutionServer
	if ok && localTime.After(serverTime.Add(r.skew)) {
		winner, resolution = local, models.ResolutionLocal
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"table":            string(server.Table),
			"item_id":          server.ID.String(),
			"winner_side":      string(resolution),
			"local_timestamp":  local.LastModified,
			"server_timestamp": serverTime.UnixMilli(),
			"server_time_ok":   ok,
			"skew_ms":          r.skew.Milliseconds(),
		})

	return winner, resolution
}

// Check runs detection and, on conflict, resolution. With no material
// difference the server record is kept and no ConflictItem is produced.
func (r *Resolver) Check(local, server *models.Record) (*models.Record, *models.ConflictItem) {
	if !HasConflict(local, server) {
		return server, nil
	}

	logging.Warn("Offline edit conflicts with server copy",
		map[string]interface{}{
			"table":   string(server.Table),
			"item_id": server.ID.String(),
		})

	winner, resolution := r.Resolve(local, server)
	return winner, &models.ConflictItem{
		Table:      server.Table,
		LocalItem:  local.Clone(),
		ServerItem: server.Clone(),
		Resolution: resolution,
	}
}
