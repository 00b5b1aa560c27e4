package sqlinline

// QEnqueueRender charges a single generation and queues its render in one
// statement. No row comes back when the balance is short.
const QEnqueueRender = `--sql 1db3e1bc-2e7a-4db2-a489-65fd6fd2d576
with debited as (
    update credit_accounts
    set balance = balance - $5::int, updated_at = now()
    where user_id = $1::text and balance >= $5::int
    returning user_id, balance
),
job as (
    insert into render_jobs (id, image_id, user_id, variant, payload, status, attempts, created_at, updated_at)
    select gen_random_uuid(), $2::uuid, d.user_id, $3::text, $4::jsonb, 'queued', 0, now(), now()
    from debited d
    returning id, user_id
)
select j.id::text, d.balance
from job j
join debited d on d.user_id = j.user_id
cross join lateral (
    select pg_notify('credit_balance', json_build_object('user_id', d.user_id, 'balance', d.balance)::text)
) notified;
`

const QClaimRender = `--sql 5c32c089-9ee0-44b7-b7a8-73ed0fa70af3
with next_job as (
    select id
    from render_jobs
    where status = 'queued'
    order by created_at asc
    for update skip locked
    limit 1
),
updated as (
    update render_jobs
    set status = 'running', attempts = attempts + 1, updated_at = now()
    where id in (select id from next_job)
    returning id, image_id, user_id, variant, payload
)
select id::text, image_id::text, user_id, variant, payload from updated;
`

const QFinishRender = `--sql 294f9cbd-7f9b-4578-90e5-db05f59581f4
update render_jobs
set status = $2::text, error = nullif($3::text, ''), updated_at = now()
where id = $1::uuid;
`

// QRequeueStaleRenders returns jobs abandoned by a crashed worker.
const QRequeueStaleRenders = `--sql 167e6bf2-9696-4a8b-a52e-d320936d774c
update render_jobs
set status = 'queued', updated_at = now()
where status = 'running'
  and updated_at < now() - ($1::int * interval '1 second')
  and attempts < $2::int;
`

// QAbandonRenders gives up on stale jobs that used every attempt and returns
// their images so the worker can mark them failed.
const QAbandonRenders = `--sql 8f0c2d7e-51a4-4b8e-9d36-0c6b7e5f2a19
update render_jobs
set status = 'failed', error = 'abandoned after retries', updated_at = now()
where status = 'running'
  and updated_at < now() - ($1::int * interval '1 second')
  and attempts >= $2::int
returning id::text, image_id::text;
`
