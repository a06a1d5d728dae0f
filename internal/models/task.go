// Package models provides data model definitions for tasksync.
package models

// Task is the typed view of a todos record.
type Task struct {
	ID        RecordID `json:"id"`
	Title     string   `json:"title"`
	Detail    string   `json:"detail,omitempty"`
	Priority  string   `json:"priority"`
	DueDate   string   `json:"due_date,omitempty"`
	DueTime   string   `json:"due_time,omitempty"`
	Completed bool     `json:"completed"`
	ListID    int64    `json:"list_id,omitempty"`
	ListName  string   `json:"list_name,omitempty"`
	Offline   bool     `json:"offline"`
}

// DefaultPriority is applied to tasks created without one.
const DefaultPriority = "medium"

// TaskFromRecord projects a todos record into a Task.
func TaskFromRecord(r *Record) Task {
	t := Task{
		ID:        r.ID,
		Title:     r.Fields.String("title"),
		Detail:    r.Fields.String("detail"),
		Priority:  r.Fields.String("priority"),
		DueDate:   r.Fields.String("due_date"),
		DueTime:   r.Fields.String("due_time"),
		Completed: r.Fields.Bool("completed"),
		ListName:  r.Fields.String("list_name"),
		Offline:   r.Offline,
	}
	if id, ok := r.Fields.Int("list_id"); ok {
		t.ListID = id
	}
	return t
}

// NewTaskFields returns the full field set for a new task, filling defaults
// the server would otherwise apply.
func NewTaskFields(input Fields) Fields {
	f := Fields{
		"title":     "",
		"detail":    "",
		"priority":  DefaultPriority,
		"completed": false,
	}
	for k, v := range input {
		if v == nil {
			continue
		}
		f[k] = v
	}
	return f
}

// TodoList is the typed view of a lists record.
type TodoList struct {
	ID        RecordID `json:"id"`
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	TodoCount int64    `json:"todo_count"`
}

// TodoListFromRecord projects a lists record into a TodoList.
func TodoListFromRecord(r *Record) TodoList {
	l := TodoList{
		ID:    r.ID,
		Name:  r.Fields.String("name"),
		Color: r.Fields.String("color"),
	}
	if n, ok := r.Fields.Int("todo_count"); ok {
		l.TodoCount = n
	}
	return l
}
