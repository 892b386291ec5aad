package store

import "github.com/redis/go-redis/v9"

// Server-side scripts. Every multi-key mutation runs inside one of these so
// graph installation, queue membership, and load counters stay consistent
// with respect to concurrent callers: the store serializes script
// execution, so no application-level locks are needed.
//
// Keys are derived from ARGV[1] (the cb: prefix) rather than KEYS. This
// trades Redis Cluster compatibility for simplicity; the deployment targets
// a single store node.

// decomposeScript installs a decomposition: subtask records, both sides of
// the dependency graph, and ready-queue entries for subtasks with no
// predecessors. Subtasks that are members of a dependency cycle are never
// queued (Kahn elimination: whatever never reaches zero in-degree is
// cyclic). Idempotent: a second install for the same parent is a no-op.
//
// ARGV: prefix, parentId, decompositionJSON, nowMillis
var decomposeScript = redis.NewScript(`
local prefix = ARGV[1]
local parent = ARGV[2]
local decomp = cjson.decode(ARGV[3])
local now = ARGV[4]

local decompKey = prefix .. 'decomposition:' .. parent
if redis.call('HGET', decompKey, 'status') == 'installed' then
  local n = tonumber(redis.call('HGET', decompKey, 'subtask_count') or '0')
  return cjson.encode({success = true, subtaskCount = n, queuedCount = 0, idempotent = true})
end

local subtasks = decomp.subtasks or {}

local members = {}
for _, st in ipairs(subtasks) do
  members[st.id] = true
end
local indeg = {}
local children = {}
for _, st in ipairs(subtasks) do
  local d = 0
  for _, dep in ipairs(st.dependencies or {}) do
    if members[dep] and dep ~= st.id then
      d = d + 1
      children[dep] = children[dep] or {}
      table.insert(children[dep], st.id)
    end
  end
  indeg[st.id] = d
end
local frontier = {}
for id, d in pairs(indeg) do
  if d == 0 then table.insert(frontier, id) end
end
local acyclic = {}
while #frontier > 0 do
  local id = table.remove(frontier)
  acyclic[id] = true
  for _, child in ipairs(children[id] or {}) do
    indeg[child] = indeg[child] - 1
    if indeg[child] == 0 then table.insert(frontier, child) end
  end
end

local queued = 0
for _, st in ipairs(subtasks) do
  local skey = prefix .. 'subtask:' .. parent .. ':' .. st.id
  if redis.call('EXISTS', skey) == 0 then
    redis.call('HSET', skey,
      'id', st.id,
      'parent_id', parent,
      'description', st.description or '',
      'specialist', st.specialist or 'general',
      'complexity', tostring(st.complexity or 1),
      'estimated_minutes', tostring(st.estimated_minutes or 0),
      'priority', tostring(st.priority or 50),
      'status', 'pending',
      'assigned_to', '',
      'created_at', now,
      'updated_at', now)
    redis.call('SADD', prefix .. 'subtasks:' .. parent, st.id)
    local realDeps = 0
    for _, dep in ipairs(st.dependencies or {}) do
      if members[dep] and dep ~= st.id then
        redis.call('SADD', prefix .. 'dependencies:' .. parent .. ':' .. st.id, dep)
        redis.call('SADD', prefix .. 'dependents:' .. parent .. ':' .. dep, st.id)
        realDeps = realDeps + 1
      end
    end
    if realDeps > 0 then
      redis.call('HSET', skey, 'dependencies', cjson.encode(st.dependencies))
    end
    if realDeps == 0 and acyclic[st.id] then
      local seq = redis.call('INCR', prefix .. 'queue:seq')
      local score = (st.priority or 50) * 1e10 + (1e10 - seq)
      redis.call('ZADD', prefix .. 'queue:subtasks', score, parent .. ':' .. st.id)
      queued = queued + 1
    end
  end
end

redis.call('HSET', decompKey,
  'status', 'installed',
  'subtask_count', tostring(#subtasks),
  'source', decomp.source or 'provider',
  'installed_at', now)
redis.call('HSET', prefix .. 'task:' .. parent, 'status', 'in_progress', 'updated_at', now)
redis.call('XADD', prefix .. 'events:task:' .. parent, '*',
  'type', 'task.decomposed', 'task_id', parent,
  'subtask_count', tostring(#subtasks), 'queued', tostring(queued), 'ts', now)
return cjson.encode({success = true, subtaskCount = #subtasks, queuedCount = queued})
`)

// assignScript picks the best specialist of a kind for a subtask. Candidates
// need free capacity and a capability superset; score is match*10 - load so
// capability fit dominates load. All side effects (pool load, instance load,
// assignment record, per-instance queue, ready-queue removal) happen in the
// same script, which is what makes concurrent assignment capacity-safe.
// Idempotent: an existing assignment is returned as-is.
//
// ARGV: prefix, subtaskId, parentId, kind, requiredCapsJSON, nowMillis
var assignScript = redis.NewScript(`
local prefix, sub, parent, kind = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local required = cjson.decode(ARGV[5])
local now = ARGV[6]

local assignKey = prefix .. 'assignment:' .. sub
local existing = redis.call('HGET', assignKey, 'instance_id')
if existing then
  return cjson.encode({success = true, specialistId = existing, score = 0, idempotent = true})
end

local poolKey = prefix .. 'specialists:' .. kind
local pool = redis.call('HGETALL', poolKey)
local bestId = nil
local bestScore = 0
local bestRec = nil
for i = 1, #pool, 2 do
  local id = pool[i]
  local rec = cjson.decode(pool[i + 1])
  if (rec.current_load or 0) < (rec.max_load or 0) then
    local capset = {}
    for _, c in ipairs(rec.capabilities or {}) do capset[c] = true end
    local ok = true
    local match = 0
    for _, c in ipairs(required) do
      if capset[c] then match = match + 1 else ok = false end
    end
    if ok then
      local score = match * 10 - (rec.current_load or 0)
      if bestId == nil or score > bestScore then
        bestId, bestScore, bestRec = id, score, rec
      end
    end
  end
end
if not bestId then
  return cjson.encode({success = false, error = 'NONE_AVAILABLE'})
end

bestRec.current_load = (bestRec.current_load or 0) + 1
redis.call('HSET', poolKey, bestId, cjson.encode(bestRec))
local instKey = prefix .. 'instance:' .. bestId
if redis.call('EXISTS', instKey) == 1 then
  local load = redis.call('HINCRBY', instKey, 'current_load', 1)
  local max = tonumber(redis.call('HGET', instKey, 'max_load') or '0')
  if load >= max then
    redis.call('HSET', instKey, 'status', 'BUSY')
  else
    redis.call('HSET', instKey, 'status', 'ACTIVE')
  end
end
redis.call('HSET', assignKey,
  'subtask_id', sub, 'parent_id', parent, 'instance_id', bestId,
  'kind', kind, 'assigned_at', now)
local qpos = redis.call('RPUSH', prefix .. 'queue:instance:' .. bestId, parent .. ':' .. sub)
redis.call('ZREM', prefix .. 'queue:subtasks', parent .. ':' .. sub)
redis.call('HSET', prefix .. 'subtask:' .. parent .. ':' .. sub,
  'status', 'in_progress', 'assigned_to', bestId, 'updated_at', now)
redis.call('XADD', prefix .. 'events:task:' .. parent, '*',
  'type', 'subtask.assigned', 'task_id', parent, 'subtask_id', sub,
  'instance_id', bestId, 'ts', now)
return cjson.encode({success = true, specialistId = bestId, score = bestScore, queuePosition = qpos})
`)

// conflictScript appends a proposal to the conflict list for a subtask.
// The 1→2 transition emits a conflict-ready marker into the global conflict
// queue; later proposals keep appending without re-emitting.
//
// ARGV: prefix, taskId, subtaskId, proposalJSON, nowMillis
var conflictScript = redis.NewScript(`
local prefix, task, sub = ARGV[1], ARGV[2], ARGV[3]
local now = ARGV[5]
local key = prefix .. 'conflict:' .. task .. ':' .. sub
local n = redis.call('RPUSH', key, ARGV[4])
if n == 2 then
  redis.call('RPUSH', prefix .. 'queue:conflicts', task .. ':' .. sub)
  redis.call('XADD', prefix .. 'events:task:' .. task, '*',
    'type', 'conflict.detected', 'task_id', task, 'subtask_id', sub,
    'solutions', tostring(n), 'ts', now)
end
return cjson.encode({conflictDetected = (n >= 2), solutionCount = n, emitted = (n == 2)})
`)

// progressScript marks a subtask terminal, releases its assignment, and
// promotes dependents whose predecessors are now all completed into the
// ready queue. A failed subtask moves its dependents into the blocked set
// instead. Re-delivery for an already-terminal subtask reports success
// without mutating anything.
//
// ARGV: prefix, parentId, subtaskId, status, output, nowMillis
var progressScript = redis.NewScript(`
local prefix, parent, sub, status, output = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]
local now = ARGV[6]
local skey = prefix .. 'subtask:' .. parent .. ':' .. sub

local function allDone()
  local ids = redis.call('SMEMBERS', prefix .. 'subtasks:' .. parent)
  if #ids == 0 then return false end
  for _, id in ipairs(ids) do
    if redis.call('HGET', prefix .. 'subtask:' .. parent .. ':' .. id, 'status') ~= 'completed' then
      return false
    end
  end
  return true
end

local cur = redis.call('HGET', skey, 'status')
if not cur then
  return cjson.encode({success = false, error = 'NOT_FOUND'})
end
if cur == 'completed' or cur == 'failed' then
  return cjson.encode({success = true, unblockedCount = 0, readyForSynthesis = allDone(), idempotent = true})
end

redis.call('HSET', skey, 'status', status, 'output', output,
  'completed_at', now, 'updated_at', now)

local assignKey = prefix .. 'assignment:' .. sub
local inst = redis.call('HGET', assignKey, 'instance_id')
if inst then
  local kind = redis.call('HGET', assignKey, 'kind') or 'general'
  local raw = redis.call('HGET', prefix .. 'specialists:' .. kind, inst)
  if raw then
    local rec = cjson.decode(raw)
    rec.current_load = math.max((rec.current_load or 1) - 1, 0)
    redis.call('HSET', prefix .. 'specialists:' .. kind, inst, cjson.encode(rec))
  end
  local instKey = prefix .. 'instance:' .. inst
  if redis.call('EXISTS', instKey) == 1 then
    local load = tonumber(redis.call('HGET', instKey, 'current_load') or '0')
    if load > 0 then load = load - 1 end
    redis.call('HSET', instKey, 'current_load', tostring(load))
    if load == 0 then
      redis.call('HSET', instKey, 'status', 'IDLE')
    else
      redis.call('HSET', instKey, 'status', 'ACTIVE')
    end
  end
  redis.call('LREM', prefix .. 'queue:instance:' .. inst, 0, parent .. ':' .. sub)
  redis.call('DEL', assignKey)
end

local unblocked = 0
local dependents = redis.call('SMEMBERS', prefix .. 'dependents:' .. parent .. ':' .. sub)
if status == 'completed' then
  for _, d in ipairs(dependents) do
    local dkey = prefix .. 'subtask:' .. parent .. ':' .. d
    if redis.call('HGET', dkey, 'status') == 'pending' then
      local ready = true
      for _, dep in ipairs(redis.call('SMEMBERS', prefix .. 'dependencies:' .. parent .. ':' .. d)) do
        if redis.call('HGET', prefix .. 'subtask:' .. parent .. ':' .. dep, 'status') ~= 'completed' then
          ready = false
          break
        end
      end
      local member = parent .. ':' .. d
      if ready and not redis.call('ZSCORE', prefix .. 'queue:subtasks', member) then
        local pri = tonumber(redis.call('HGET', dkey, 'priority') or '50')
        local seq = redis.call('INCR', prefix .. 'queue:seq')
        redis.call('ZADD', prefix .. 'queue:subtasks', pri * 1e10 + (1e10 - seq), member)
        redis.call('SREM', prefix .. 'queue:blocked', member)
        unblocked = unblocked + 1
        redis.call('XADD', prefix .. 'events:task:' .. parent, '*',
          'type', 'subtask.unblocked', 'task_id', parent, 'subtask_id', d, 'ts', now)
      end
    end
  end
else
  for _, d in ipairs(dependents) do
    redis.call('SADD', prefix .. 'queue:blocked', parent .. ':' .. d)
  end
end

local ready = allDone()
redis.call('XADD', prefix .. 'events:task:' .. parent, '*',
  'type', 'subtask.' .. status, 'task_id', parent, 'subtask_id', sub,
  'unblocked', tostring(unblocked), 'ts', now)
return cjson.encode({success = true, unblockedCount = unblocked, readyForSynthesis = ready})
`)

// reassignScript drains an instance's work queue after it goes OFFLINE.
// Each queued subtask loses its assignment and is re-queued (dependencies
// satisfied) or parked in the blocked set. Load counters on the specialist
// pool records are released; the instance ends at status OFFLINE, load 0.
//
// ARGV: prefix, instanceId, nowMillis
var reassignScript = redis.NewScript(`
local prefix, inst = ARGV[1], ARGV[2]
local now = ARGV[3]
local qkey = prefix .. 'queue:instance:' .. inst
local items = redis.call('LRANGE', qkey, 0, -1)
redis.call('DEL', qkey)
local reassigned = 0
for _, member in ipairs(items) do
  local sep = string.find(member, ':', 1, true)
  local parent = string.sub(member, 1, sep - 1)
  local sub = string.sub(member, sep + 1)
  local assignKey = prefix .. 'assignment:' .. sub
  local kind = redis.call('HGET', assignKey, 'kind')
  if kind then
    local raw = redis.call('HGET', prefix .. 'specialists:' .. kind, inst)
    if raw then
      local rec = cjson.decode(raw)
      rec.current_load = math.max((rec.current_load or 1) - 1, 0)
      redis.call('HSET', prefix .. 'specialists:' .. kind, inst, cjson.encode(rec))
    end
  end
  redis.call('DEL', assignKey)
  local skey = prefix .. 'subtask:' .. parent .. ':' .. sub
  local status = redis.call('HGET', skey, 'status')
  if status and status ~= 'completed' and status ~= 'failed' then
    redis.call('HSET', skey, 'status', 'pending', 'assigned_to', '', 'updated_at', now)
    local ready = true
    for _, dep in ipairs(redis.call('SMEMBERS', prefix .. 'dependencies:' .. parent .. ':' .. sub)) do
      if redis.call('HGET', prefix .. 'subtask:' .. parent .. ':' .. dep, 'status') ~= 'completed' then
        ready = false
        break
      end
    end
    if ready then
      if not redis.call('ZSCORE', prefix .. 'queue:subtasks', member) then
        local pri = tonumber(redis.call('HGET', skey, 'priority') or '50')
        local seq = redis.call('INCR', prefix .. 'queue:seq')
        redis.call('ZADD', prefix .. 'queue:subtasks', pri * 1e10 + (1e10 - seq), member)
      end
    else
      redis.call('SADD', prefix .. 'queue:blocked', member)
    end
    reassigned = reassigned + 1
  end
end
redis.call('HSET', prefix .. 'instance:' .. inst, 'status', 'OFFLINE', 'current_load', '0')
redis.call('XADD', prefix .. 'events:instance:' .. inst, '*',
  'type', 'instance.offline', 'instance_id', inst,
  'reassigned', tostring(reassigned), 'ts', now)
return cjson.encode({reassignedCount = reassigned})
`)

// pullScript claims the highest-priority ready subtask matching the pulling
// instance's roles. An instance at max load gets nothing. Scans at most the
// top 100 queue entries; a deep queue of unmatchable work beyond that is
// indistinguishable from empty, which is acceptable for a bounded long-poll
// that retries.
//
// ARGV: prefix, instanceId, nowMillis
var pullScript = redis.NewScript(`
local prefix, inst = ARGV[1], ARGV[2]
local now = ARGV[3]
local instKey = prefix .. 'instance:' .. inst
if redis.call('EXISTS', instKey) == 0 then
  return cjson.encode({found = false, error = 'UNKNOWN_INSTANCE'})
end
local load = tonumber(redis.call('HGET', instKey, 'current_load') or '0')
local max = tonumber(redis.call('HGET', instKey, 'max_load') or '0')
if load >= max then
  return cjson.encode({found = false, error = 'AT_CAPACITY'})
end
local roleset = {}
for _, r in ipairs(cjson.decode(redis.call('HGET', instKey, 'roles') or '[]')) do
  roleset[r] = true
end
local candidates = redis.call('ZREVRANGE', prefix .. 'queue:subtasks', 0, 99)
for _, member in ipairs(candidates) do
  local sep = string.find(member, ':', 1, true)
  local parent = string.sub(member, 1, sep - 1)
  local sub = string.sub(member, sep + 1)
  local skey = prefix .. 'subtask:' .. parent .. ':' .. sub
  local specialist = redis.call('HGET', skey, 'specialist')
  if specialist and (roleset[specialist] or specialist == 'general') then
    redis.call('ZREM', prefix .. 'queue:subtasks', member)
    local newLoad = redis.call('HINCRBY', instKey, 'current_load', 1)
    if newLoad >= max then
      redis.call('HSET', instKey, 'status', 'BUSY')
    else
      redis.call('HSET', instKey, 'status', 'ACTIVE')
    end
    local raw = redis.call('HGET', prefix .. 'specialists:' .. specialist, inst)
    if raw then
      local rec = cjson.decode(raw)
      rec.current_load = (rec.current_load or 0) + 1
      redis.call('HSET', prefix .. 'specialists:' .. specialist, inst, cjson.encode(rec))
    end
    redis.call('HSET', prefix .. 'assignment:' .. sub,
      'subtask_id', sub, 'parent_id', parent, 'instance_id', inst,
      'kind', specialist, 'assigned_at', now)
    redis.call('RPUSH', prefix .. 'queue:instance:' .. inst, member)
    redis.call('HSET', skey, 'status', 'in_progress', 'assigned_to', inst, 'updated_at', now)
    redis.call('XADD', prefix .. 'events:task:' .. parent, '*',
      'type', 'subtask.assigned', 'task_id', parent, 'subtask_id', sub,
      'instance_id', inst, 'ts', now)
    return cjson.encode({
      found = true,
      parentId = parent,
      subtaskId = sub,
      specialist = specialist,
      description = redis.call('HGET', skey, 'description') or '',
      priority = tonumber(redis.call('HGET', skey, 'priority') or '50'),
    })
  end
end
return cjson.encode({found = false})
`)

// createTaskScript writes the parent task record, enqueues it on the
// pending tasks queue, and journals task.create in one atomic step.
//
// ARGV: prefix, taskId, text, priority, metadataJSON, nowMillis
var createTaskScript = redis.NewScript(`
local prefix, id, text, pri = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4])
local now = ARGV[6]
local key = prefix .. 'task:' .. id
if redis.call('EXISTS', key) == 1 then
  return cjson.encode({success = false, error = 'ALREADY_EXISTS'})
end
redis.call('HSET', key,
  'id', id, 'text', text, 'priority', tostring(pri),
  'status', 'pending', 'metadata', ARGV[5],
  'created_at', now, 'updated_at', now)
local seq = redis.call('INCR', prefix .. 'queue:seq')
redis.call('ZADD', prefix .. 'queue:tasks:pending', pri * 1e10 + (1e10 - seq), id)
redis.call('XADD', prefix .. 'events:task:' .. id, '*',
  'type', 'task.create', 'task_id', id, 'priority', tostring(pri), 'ts', now)
redis.call('XADD', prefix .. 'events:global', '*',
  'type', 'task.create', 'task_id', id, 'priority', tostring(pri), 'ts', now)
return cjson.encode({success = true})
`)
