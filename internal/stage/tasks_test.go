package stage_test

import (
	"testing"

	"storyline/internal/stage"
)

func TestParseTasksNumberedWithHeading(t *testing.T) {
	plan := `## Plan

Some prose.

## Tasks

1. Set up schema - create the tables (priority: high)
2. Build API - handlers and routes (priority: medium)
3. Polish

## Risks

- none
`
	tasks := stage.ParseTasks(plan)
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	if tasks[0].Title != "Set up schema" || tasks[0].Description != "create the tables" || tasks[0].Priority != "high" {
		t.Fatalf("first = %+v", tasks[0])
	}
	if tasks[1].Priority != "medium" {
		t.Fatalf("second priority = %q, want medium", tasks[1].Priority)
	}
	if tasks[2].Title != "Polish" || tasks[2].Priority != "" || tasks[2].Description != "" {
		t.Fatalf("third = %+v", tasks[2])
	}
}

func TestParseTasksBulletedWithoutHeading(t *testing.T) {
	plan := `Here is what we will do:

- First thing - with details
* Second thing
`
	tasks := stage.ParseTasks(plan)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].Title != "First thing" || tasks[0].Description != "with details" {
		t.Fatalf("first = %+v", tasks[0])
	}
	if tasks[1].Title != "Second thing" {
		t.Fatalf("second = %+v", tasks[1])
	}
}

func TestParseTasksSectionEndsAtNextHeading(t *testing.T) {
	plan := `## Tasks

1. Only task

## Notes

1. Not a task, different section
`
	tasks := stage.ParseTasks(plan)
	if len(tasks) != 1 || tasks[0].Title != "Only task" {
		t.Fatalf("tasks = %+v, want only the Tasks section parsed", tasks)
	}
}

func TestParseTasksEmptyPlan(t *testing.T) {
	if tasks := stage.ParseTasks(""); len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", tasks)
	}
	if tasks := stage.ParseTasks("No lists here at all."); len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", tasks)
	}
}
