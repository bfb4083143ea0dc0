package sqlinline

const QInsertOutboxEvent = `--sql 7f40935e-473e-4c80-80da-3989138fc25d
insert into outbox_events(id, job_id, event_type, payload, status, attempts, next_attempt_at)
values ($1, $2, $3, $4, 'pending', 0, now());
`

const QClaimNextOutboxEvent = `--sql 769b0c0b-ed89-4774-b81f-ddef8dc9e70d
with next_event as (
    select id
    from outbox_events
    where status = 'pending'
      and next_attempt_at <= now()
    order by created_at asc
    for update skip locked
    limit 1
),
claimed as (
    update outbox_events
    set status = 'dispatching', updated_at = now()
    where id in (select id from next_event)
    returning id, job_id, event_type, payload, attempts
)
select * from claimed;
`

const QMarkOutboxProcessed = `--sql 12cdee68-6020-4133-b826-4f04b5229062
update outbox_events
set status = 'processed', processed_at = now(), updated_at = now()
where id = $1 and status = 'dispatching';
`

const QReturnOutboxForRetry = `--sql 45195038-be5c-49ee-8ab9-9901a0e8f941
update outbox_events
set status = 'pending',
    attempts = $2,
    next_attempt_at = $3,
    updated_at = now()
where id = $1 and status = 'dispatching';
`

const QMarkOutboxFailed = `--sql e3e4506e-5c5b-47a4-9045-bddc2feb1b83
update outbox_events
set status = 'failed', attempts = $2, updated_at = now()
where id = $1 and status = 'dispatching';
`

const QReleaseStuckOutboxEvents = `--sql 9ef4fa92-8bf6-42b8-81a9-3c6e4c473875
update outbox_events
set status = 'pending', updated_at = now()
where status = 'dispatching'
  and updated_at < now() - make_interval(secs => $1);
`
