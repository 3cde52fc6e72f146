package postgres

const taskColumns = `
    id, name, description, created_by,
    schedule_kind, time_of_day, weekdays, day_of_month, expression,
    action_kind, action_params,
    is_active, last_run, next_run, created_at, updated_at`

const queryInsertTask = `
INSERT INTO scheduled_tasks (
    id, name, description, created_by,
    schedule_kind, time_of_day, weekdays, day_of_month, expression,
    action_kind, action_params,
    is_active, last_run, next_run, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

const queryGetTaskByID = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE id = $1
`

const queryUpdateTaskChecked = `
UPDATE scheduled_tasks
SET name = $2, description = $3, created_by = $4,
    schedule_kind = $5, time_of_day = $6, weekdays = $7, day_of_month = $8, expression = $9,
    action_kind = $10, action_params = $11,
    is_active = $12, last_run = $13, next_run = $14, updated_at = $15
WHERE id = $1
  AND updated_at = $16
`

const queryTaskExists = `
SELECT 1 FROM scheduled_tasks WHERE id = $1
`

const queryDeleteTask = `
DELETE FROM scheduled_tasks WHERE id = $1
`

const queryDueTasks = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE is_active = true
  AND next_run IS NOT NULL
  AND next_run <= $1
ORDER BY next_run ASC
LIMIT $2
`

const queryNeverRunnableTasks = `
SELECT` + taskColumns + `
FROM scheduled_tasks
WHERE is_active = true
  AND next_run IS NULL
ORDER BY updated_at ASC
LIMIT $1
`

const queryListTasks = `
SELECT` + taskColumns + `
FROM scheduled_tasks
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`
