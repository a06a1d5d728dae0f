// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kimhsiao/tasksync/internal/models"
)

const t1 = int64(1700000000000)

func localTodo(title string, lastModified int64) *models.Record {
	return &models.Record{
		ID:           models.ServerID(1),
		Table:        models.TableTodos,
		Fields:       models.Fields{"title": title, "completed": false},
		LastModified: lastModified,
		Offline:      true,
	}
}

func serverTodo(title string, updatedAt time.Time) *models.Record {
	return &models.Record{
		ID:    models.ServerID(1),
		Table: models.TableTodos,
		Fields: models.Fields{
			"title":      title,
			"completed":  false,
			"updated_at": updatedAt.UTC().Format("2006-01-02T15:04:05.000000"),
		},
	}
}

// TestResolverLocalNewer tests that a later local write wins.
func TestResolverLocalNewer(t *testing.T) {
	r := NewResolver()
	local := localTodo("X", t1+5000)
	server := serverTodo("Y", time.UnixMilli(t1))

	winner, item := r.Check(local, server)
	if item == nil {
		t.Fatal("Expected a conflict item")
	}
	if item.Resolution != models.ResolutionLocal {
		t.Errorf("Expected local resolution, got %s", item.Resolution)
	}
	if winner.Title() != "X" {
		t.Errorf("Expected title X, got %s", winner.Title())
	}
}

// TestResolverServerNewer tests that a later server write wins.
func TestResolverServerNewer(t *testing.T) {
	r := NewResolver()
	local := localTodo("X", t1)
	server := serverTodo("Y", time.UnixMilli(t1+5000))

	winner, item := r.Check(local, server)
	if item == nil {
		t.Fatal("Expected a conflict item")
	}
	if item.Resolution != models.ResolutionServer {
		t.Errorf("Expected server resolution, got %s", item.Resolution)
	}
	if winner.Title() != "Y" {
		t.Errorf("Expected title Y, got %s", winner.Title())
	}
	if item.LocalItem.Title() != "X" || item.ServerItem.Title() != "Y" {
		t.Error("Expected both versions recorded on the conflict item")
	}
}

// TestResolverSameTitle tests that equal content is not a conflict.
func TestResolverSameTitle(t *testing.T) {
	r := NewResolver()
	local := localTodo("X", t1+5000)
	server := serverTodo("X", time.UnixMilli(t1))

	winner, item := r.Check(local, server)
	if item != nil {
		t.Fatalf("Expected no conflict, got %+v", item)
	}
	if winner != server {
		t.Error("Expected the server version to be kept")
	}
}

// TestResolverSameTimestamp tests that ties go to the server.
func TestResolverSameTimestamp(t *testing.T) {
	r := NewResolver()
	_, resolution := r.Resolve(localTodo("X", t1), serverTodo("Y", time.UnixMilli(t1)))
	if resolution != models.ResolutionServer {
		t.Errorf("Expected server to win a tie, got %s", resolution)
	}
}

// TestResolverClockSkew tests the skew window.
func TestResolverClockSkew(t *testing.T) {
	r := NewResolver(WithClockSkew(10 * time.Second))

	_, resolution := r.Resolve(localTodo("X", t1+5000), serverTodo("Y", time.UnixMilli(t1)))
	if resolution != models.ResolutionServer {
		t.Errorf("Expected server inside skew window, got %s", resolution)
	}

	_, resolution = r.Resolve(localTodo("X", t1+11000), serverTodo("Y", time.UnixMilli(t1)))
	if resolution != models.ResolutionLocal {
		t.Errorf("Expected local beyond skew window, got %s", resolution)
	}
}

// TestResolverUnparseableServerTime tests that a bad server clock loses to nobody.
func TestResolverUnparseableServerTime(t *testing.T) {
	r := NewResolver()
	server := serverTodo("Y", time.UnixMilli(t1))
	server.Fields["updated_at"] = "yesterday"

	_, resolution := r.Resolve(localTodo("X", t1+999999), server)
	if resolution != models.ResolutionServer {
		t.Errorf("Expected server when its time is unreadable, got %s", resolution)
	}
}

// TestServerTimestamp tests layout handling and created_at fallback.
func TestServerTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name   string
		fields models.Fields
		ok     bool
	}{
		{"rfc3339", models.Fields{"updated_at": "2024-03-01T12:30:00Z"}, true},
		{"naive micros", models.Fields{"updated_at": "2024-03-01T12:30:00.000000"}, true},
		{"space separated", models.Fields{"updated_at": "2024-03-01 12:30:00"}, true},
		{"created fallback", models.Fields{"updated_at": nil, "created_at": "2024-03-01T12:30:00Z"}, true},
		{"epoch millis", models.Fields{"updated_at": float64(want.UnixMilli())}, true},
		{"missing", models.Fields{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ServerTimestamp(&models.Record{Fields: tt.fields})
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

// TestHasConflict tests field comparison rules.
func TestHasConflict(t *testing.T) {
	tests := []struct {
		name   string
		table  models.Table
		local  models.Fields
		server models.Fields
		want   bool
	}{
		{"equal", models.TableTodos, models.Fields{"title": "A"}, models.Fields{"title": "A"}, false},
		{"title differs", models.TableTodos, models.Fields{"title": "A"}, models.Fields{"title": "B"}, true},
		{"both null", models.TableTodos, models.Fields{"due_date": nil}, models.Fields{}, false},
		{"one null", models.TableTodos, models.Fields{"due_date": "2024-01-01"}, models.Fields{"due_date": nil}, true},
		{"completed differs", models.TableTodos, models.Fields{"completed": true}, models.Fields{"completed": false}, true},
		{"numbers normalized", models.TableTodos, models.Fields{"priority": json.Number("2")}, models.Fields{"priority": float64(2)}, false},
		{"unchecked field ignored", models.TableTodos, models.Fields{"list_id": 1}, models.Fields{"list_id": 2}, false},
		{"list name", models.TableLists, models.Fields{"name": "Home"}, models.Fields{"name": "Work"}, true},
		{"list color", models.TableLists, models.Fields{"color": "red"}, models.Fields{"color": "red"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &models.Record{Table: tt.table, Fields: tt.local}
			server := &models.Record{Table: tt.table, Fields: tt.server}
			if got := HasConflict(local, server); got != tt.want {
				t.Errorf("HasConflict() = %v, want %v", got, tt.want)
			}
		})
	}

	if HasConflict(nil, &models.Record{}) {
		t.Error("HasConflict(nil, ...) should be false")
	}
}
