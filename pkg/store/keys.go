package store

// KeyPrefix namespaces every cobe key in the shared store.
const KeyPrefix = "cb:"

// Key builders for the cb: keyspace. Composite ready-queue members are
// "parentId:subtaskId"; parent ids are UUIDs so the first colon is an
// unambiguous separator.
func taskKey(id string) string             { return KeyPrefix + "task:" + id }
func subtaskKey(parent, id string) string  { return KeyPrefix + "subtask:" + parent + ":" + id }
func subtaskIndexKey(parent string) string { return KeyPrefix + "subtasks:" + parent }
func dependenciesKey(parent, id string) string {
	return KeyPrefix + "dependencies:" + parent + ":" + id
}
func dependentsKey(parent, id string) string {
	return KeyPrefix + "dependents:" + parent + ":" + id
}
func instanceKey(id string) string       { return KeyPrefix + "instance:" + id }
func instanceQueueKey(id string) string  { return KeyPrefix + "queue:instance:" + id }
func specialistsKey(kind string) string  { return KeyPrefix + "specialists:" + kind }
func assignmentKey(subtask string) string { return KeyPrefix + "assignment:" + subtask }
func conflictKey(task, subtask string) string {
	return KeyPrefix + "conflict:" + task + ":" + subtask
}
func decompositionKey(task string) string { return KeyPrefix + "decomposition:" + task }
func resolutionKey(task, subtask string) string {
	return KeyPrefix + "resolution:" + task + ":" + subtask
}
func attachmentKey(task, key string) string {
	return KeyPrefix + "attachment:" + task + ":" + key
}
func attachmentIndexKey(task string) string { return KeyPrefix + "attachments:" + task }
func phaseKey(task, phase string) string    { return KeyPrefix + "phase:" + task + ":" + phase }

// Shared (non-parameterized) keys. ReadyQueueKey and ConflictQueueKey are
// exported for queue-depth gauges.
const (
	ReadyQueueKey    = KeyPrefix + "queue:subtasks"
	ConflictQueueKey = KeyPrefix + "queue:conflicts"
	pendingTasksKey  = KeyPrefix + "queue:tasks:pending"
	blockedSetKey    = KeyPrefix + "queue:blocked"
	instanceIndexKey = KeyPrefix + "instances"
	countersKey      = KeyPrefix + "metrics:counters"
	queueSeqKey      = KeyPrefix + "queue:seq"
)

// StreamKey returns the journal stream key for a named stream
// (e.g. "task:1234", "instance:w1", "hooks", "global").
func StreamKey(stream string) string { return KeyPrefix + "events:" + stream }

// QueueMember builds the composite ready-queue member for a subtask.
func QueueMember(parent, subtask string) string { return parent + ":" + subtask }
