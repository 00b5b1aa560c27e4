package sqlinline

// CreditChannel is the LISTEN/NOTIFY channel carrying balance changes as
// {"user_id": ..., "balance": ...}.
const CreditChannel = "credit_balance"

// QReserveSession debits the full batch cost and opens a session in one
// statement. No row comes back when the balance is short.
const QReserveSession = `--sql d936cdf7-bf55-47d6-b1da-7cbec1d7e98f
with debited as (
    update credit_accounts
    set balance = balance - $2::int, updated_at = now()
    where user_id = $1::text and balance >= $2::int
    returning user_id, balance
),
session as (
    insert into generation_sessions (id, user_id, credit_cost, max_generations, redeemed, created_at)
    select gen_random_uuid(), d.user_id, $2::int, $3::int, 0, now()
    from debited d
    returning id, user_id, credit_cost, max_generations, redeemed, created_at
)
select s.id::text, s.user_id, s.credit_cost, s.max_generations, s.redeemed, d.balance, s.created_at
from session s
join debited d on d.user_id = s.user_id
cross join lateral (
    select pg_notify('credit_balance', json_build_object('user_id', d.user_id, 'balance', d.balance)::text)
) notified;
`

const QRedeemSession = `--sql ac8ef1ad-1ff5-41a4-8fa1-b34a4886364b
update generation_sessions
set redeemed = redeemed + 1
where id = $1::uuid and redeemed < max_generations
returning id::text, user_id, credit_cost, max_generations, redeemed, created_at;
`

const QSelectSession = `--sql b16ed3bc-82f1-4ea2-b1ed-97a596def1e3
select id::text, user_id, credit_cost, max_generations, redeemed, created_at
from generation_sessions
where id = $1::uuid;
`

const QSelectBalance = `--sql 7a9f35ff-8099-4be3-a10d-08d0f4f9e408
select coalesce((select balance from credit_accounts where user_id = $1::text), 0);
`

const QGrantCredits = `--sql 4d53bd12-742c-4e2d-8fae-e8c7d6560284
with granted as (
    insert into credit_accounts (user_id, balance, updated_at)
    values ($1::text, $2::int, now())
    on conflict (user_id) do update
    set balance = credit_accounts.balance + excluded.balance,
        updated_at = now()
    returning user_id, balance
)
select g.balance
from granted g
cross join lateral (
    select pg_notify('credit_balance', json_build_object('user_id', g.user_id, 'balance', g.balance)::text)
) notified;
`
