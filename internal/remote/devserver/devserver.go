// Package devserver is an in-memory implementation of the task API used for
// local development and end-to-end tests of the HTTP client.
package devserver

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// TimeLayout is the naive UTC layout used for created_at and updated_at.
const TimeLayout = "2006-01-02T15:04:05.000000"

// DefaultListName is created for a session that has no lists.
const DefaultListName = "Personal"

// reserved fields are assigned by the server and ignored in request bodies.
var reserved = map[string]bool{
	"id": true, "created_at": true, "updated_at": true,
	"list_name": true, "todo_count": true, "userId": true,
}

// Server holds records per session.
type Server struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   map[models.Table]int64
	sessions map[string]map[models.Table]map[int64]models.Fields
	failures []int
	router   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Server with its routes registered.
func New(opts ...Option) *Server {
	s := &Server{
		now:      time.Now,
		nextID:   make(map[models.Table]int64),
		sessions: make(map[string]map[models.Table]map[int64]models.Fields),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := r.Group("/api")
	api.POST("/session", s.createSession)

	records := api.Group("", requireSession(), s.injectFailures())
	records.GET("/:table", s.list)
	records.POST("/:table", s.create)
	records.GET("/:table/:id", s.get)
	records.PUT("/:table/:id", s.update)
	records.DELETE("/:table/:id", s.remove)

	s.router = r
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// FailNext makes the next record requests answer with the given statuses,
// one status per request.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// Count returns how many records of table a session holds.
func (s *Server) Count(session string, table models.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[session][table])
}

// Seed stores fields as a new record for a session and returns its id.
func (s *Server) Seed(session string, table models.Table, fields models.Fields) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(s.tablesFor(session), table, fields.Clone())
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("Dev server request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(remote.SessionHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "Session ID required"})
			return
		}
		c.Set("session", id)
		c.Next()
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		status := 0
		if len(s.failures) > 0 {
			status, s.failures = s.failures[0], s.failures[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"detail": "injected failure"})
			return
		}
		c.Next()
	}
}

func (s *Server) createSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session_id": uuid.New()})
}

// tablesFor returns the session's data, creating it with a default list.
// Callers hold s.mu.
func (s *Server) tablesFor(session string) map[models.Table]map[int64]models.Fields {
	tables, ok := s.sessions[session]
	if !ok {
		tables = map[models.Table]map[int64]models.Fields{
			models.TableTodos: {},
			models.TableLists: {},
		}
		s.sessions[session] = tables
	}
	if len(tables[models.TableLists]) == 0 {
		s.insert(tables, models.TableLists, models.Fields{"name": DefaultListName, "color": "blue"})
	}
	return tables
}

// insert assigns an id and timestamps. Callers hold s.mu.
func (s *Server) insert(tables map[models.Table]map[int64]models.Fields, table models.Table, fields models.Fields) int64 {
	s.nextID[table]++
	id := s.nextID[table]
	ts := s.now().UTC().Format(TimeLayout)
	fields["created_at"] = ts
	fields["updated_at"] = ts
	tables[table][id] = fields
	return id
}

func (s *Server) params(c *gin.Context) (string, models.Table, bool) {
	table, err := models.ParseTable(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
		return "", "", false
	}
	return c.GetString("session"), table, true
}

func recordID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid id"})
		return 0, false
	}
	return id, true
}

// render builds the response object. Callers hold s.mu.
func render(tables map[models.Table]map[int64]models.Fields, table models.Table, id int64) gin.H {
	fields := tables[table][id]
	out := gin.H{"id": id}
	for k, v := range fields {
		out[k] = v
	}
	switch table {
	case models.TableTodos:
		if listID, ok := fields.Int("list_id"); ok {
			out["list_name"] = tables[models.TableLists][listID].String("name")
		}
	case models.TableLists:
		count := 0
		for _, todo := range tables[models.TableTodos] {
			if listID, ok := todo.Int("list_id"); ok && listID == id {
				count++
			}
		}
		out["todo_count"] = count
	}
	return out
}

func sortedIDs(rows map[int64]models.Fields) []int64 {
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) list(c *gin.Context) {
	session, table, ok := s.params(c)
	if !ok {
		return
	}
	var filter int64
	if raw := c.Query("list_id"); raw != "" {
		filter, _ = strconv.ParseInt(raw, 10, 64)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tables := s.tablesFor(session)

	out := make([]gin.H, 0, len(tables[table]))
	for _, id := range sortedIDs(tables[table]) {
		if filter != 0 {
			if listID, _ := tables[table][id].Int("list_id"); listID != filter {
				continue
			}
		}
		out = append(out, render(tables, table, id))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) get(c *gin.Context) {
	session, table, ok := s.params(c)
	if !ok {
		return
	}
	id, ok := recordID(c)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tables := s.tablesFor(session)
	if _, exists := tables[table][id]; !exists {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.JSON(http.StatusOK, render(tables, table, id))
}

func (s *Server) create(c *gin.Context) {
	session, table, ok := s.params(c)
	if !ok {
		return
	}
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	fields := make(models.Fields, len(body))
	for k, v := range body {
		if !reserved[k] {
			fields[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tables := s.tablesFor(session)

	switch table {
	case models.TableTodos:
		if fields.String("title") == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "title is required"})
			return
		}
		if _, set := fields["completed"]; !set {
			fields["completed"] = false
		}
		listID, set := fields.Int("list_id")
		if !set {
			listID = sortedIDs(tables[models.TableLists])[0]
		}
		if _, exists := tables[models.TableLists][listID]; !exists {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Todo list not found"})
			return
		}
		fields["list_id"] = listID
	case models.TableLists:
		if fields.String("name") == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "name is required"})
			return
		}
		if fields.String("color") == "" {
			fields["color"] = "blue"
		}
	}

	id := s.insert(tables, table, fields)
	c.JSON(http.StatusCreated, render(tables, table, id))
}

func (s *Server) update(c *gin.Context) {
	session, table, ok := s.params(c)
	if !ok {
		return
	}
	id, ok := recordID(c)
	if !ok {
		return
	}
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tables := s.tablesFor(session)

	current, exists := tables[table][id]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	patch := make(models.Fields, len(body))
	for k, v := range body {
		if !reserved[k] {
			patch[k] = v
		}
	}
	if listID, set := patch.Int("list_id"); set && table == models.TableTodos {
		if _, found := tables[models.TableLists][listID]; !found {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Target todo list not found"})
			return
		}
		patch["list_id"] = listID
	}

	updated := current.Merge(patch)
	updated["updated_at"] = s.now().UTC().Format(TimeLayout)
	tables[table][id] = updated
	c.JSON(http.StatusOK, render(tables, table, id))
}

func (s *Server) remove(c *gin.Context) {
	session, table, ok := s.params(c)
	if !ok {
		return
	}
	id, ok := recordID(c)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tables := s.tablesFor(session)

	if _, exists := tables[table][id]; !exists {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	if table == models.TableLists && len(tables[models.TableLists]) <= 1 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Cannot delete the last todo list"})
		return
	}
	delete(tables[table], id)
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}
