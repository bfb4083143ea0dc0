package sqlinline

const QInsertEnhancementJob = `--sql 405c15df-c1d2-49c4-bfaa-9fe65d7af4de
insert into enhancement_jobs(
  id,
  tenant_id,
  user_id,
  photo_id,
  input_url,
  composite_input_url,
  input_hash,
  cache_key,
  idempotency_key,
  masks_json,
  calibration_json,
  options_json,
  provider,
  model,
  status,
  reserved_cost_micros
)
values ($1, $2, $3, nullif($4, ''), $5, nullif($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, 'queued', $15);
`

const QFindCachedCompletedJob = `--sql 8c35cf6c-8e28-4605-92be-d6a1a113c011
select id
from enhancement_jobs
where tenant_id = $1
  and cache_key = $2
  and status = 'completed'
order by completed_at desc
limit 1;
`

const QSelectJob = `--sql 13d18bd2-8861-4e8d-936e-9c7d6a2cd26c
select id, tenant_id, user_id, status, progress_percent,
       coalesce(error_message, ''), coalesce(error_code, ''),
       reserved_cost_micros, coalesce(cost_micros, 0),
       options_json, provider, model,
       created_at, updated_at, completed_at, canceled_at
from enhancement_jobs
where id = $1;
`

const QSelectJobForTenant = `--sql ff292c92-318b-4b99-80ae-9f6370cbedc1
select id, tenant_id, user_id, status, progress_percent,
       coalesce(error_message, ''), coalesce(error_code, ''),
       reserved_cost_micros, coalesce(cost_micros, 0),
       options_json, provider, model,
       created_at, updated_at, completed_at, canceled_at
from enhancement_jobs
where id = $1 and tenant_id = $2;
`

const QListRecentJobs = `--sql cd496bbb-a05b-4abd-b9db-7fd5bdc8003b
select id, status, progress_percent,
       coalesce(error_message, ''), coalesce(error_code, ''),
       options_json, provider, model, created_at, completed_at
from enhancement_jobs
where tenant_id = $1
order by created_at desc
limit $2;
`

const QUpdateJobProgress = `--sql b074e0fb-3d8a-4a0d-85a1-424fc131af13
update enhancement_jobs
set status = $2,
    progress_percent = $3,
    updated_at = now()
where id = $1
  and status not in ('completed', 'failed', 'canceled');
`

const QCompleteJob = `--sql 7e343865-be96-4de6-80f3-f073bbf08447
update enhancement_jobs
set status = 'completed',
    progress_percent = 100,
    cost_micros = $2,
    completed_at = now(),
    updated_at = now()
where id = $1
  and status not in ('completed', 'failed', 'canceled')
returning id;
`

const QFailJob = `--sql a1e03c8e-a745-4a82-8d99-a993aeb0450f
update enhancement_jobs
set status = 'failed',
    error_message = $2,
    error_code = nullif($3, ''),
    updated_at = now()
where id = $1
  and status not in ('completed', 'failed', 'canceled')
returning reserved_cost_micros;
`

const QCancelJob = `--sql 9a6666d6-30df-475b-af13-f00f0716fc78
update enhancement_jobs
set status = 'canceled',
    canceled_at = now(),
    updated_at = now()
where id = $1
  and tenant_id = $2
  and status not in ('completed', 'failed', 'canceled')
returning reserved_cost_micros;
`

const QInsertVariant = `--sql 169d5778-b249-4236-8351-e2d351f1c79c
insert into enhancement_variants(id, job_id, output_url, rank)
values ($1, $2, $3, $4);
`

const QSelectJobVariants = `--sql 5c50248a-8c27-4281-89c1-4d73480130e9
select id, job_id, output_url, rank
from enhancement_variants
where job_id = $1
order by rank asc;
`
