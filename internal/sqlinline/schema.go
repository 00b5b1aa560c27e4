package sqlinline

const QCreateSchema = `--sql df8a5601-0cc6-4a98-a1dc-e80b1f43fd55
create extension if not exists pgcrypto;

create table if not exists images (
    id uuid primary key,
    user_id text not null,
    brand_id text not null,
    status text not null check (status in ('generating', 'ready', 'error')),
    prompt text not null,
    image_url text not null default '',
    version_history jsonb not null default '[]'::jsonb,
    edit_count int not null default 0 check (edit_count >= 0),
    max_edits int not null default 10,
    metadata jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create index if not exists images_owner_created_idx on images (user_id, brand_id, created_at desc);
create index if not exists images_group_idx on images ((metadata->>'variation_group_id'));
create unique index if not exists images_group_index_uniq
    on images ((metadata->>'variation_group_id'), ((metadata->>'variation_index')::int))
    where metadata ? 'variation_group_id' and metadata ? 'variation_index';

create table if not exists credit_accounts (
    user_id text primary key,
    balance int not null default 0 check (balance >= 0),
    updated_at timestamptz not null default now()
);

create table if not exists generation_sessions (
    id uuid primary key,
    user_id text not null,
    credit_cost int not null,
    max_generations int not null,
    redeemed int not null default 0 check (redeemed <= max_generations),
    created_at timestamptz not null default now()
);

create table if not exists render_jobs (
    id uuid primary key,
    image_id uuid not null references images (id) on delete cascade,
    user_id text not null,
    variant text not null,
    payload jsonb not null,
    status text not null check (status in ('queued', 'running', 'done', 'failed')),
    attempts int not null default 0,
    error text,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create index if not exists render_jobs_queue_idx on render_jobs (status, created_at);

create table if not exists backend_tokens (
    backend text primary key,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    rotated_at timestamptz not null default now()
);
`
