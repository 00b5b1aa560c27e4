package sqlinline

// QSelectBackendToken returns the stored bearer token for one backend.
const QSelectBackendToken = `--sql 3f6b2a1e-94c7-4d0b-b8e5-2a7c1d9e6f40
select token
from backend_tokens
where backend = $1::text
limit 1;
`

// QUpsertBackendToken stores or rotates a backend token along with free-form
// properties such as the endpoint it was issued for.
const QUpsertBackendToken = `--sql c81e4f07-5d2a-4b69-9e13-7fa0b3c2d518
insert into backend_tokens (backend, token, properties, rotated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now())
on conflict (backend) do update set
    token = excluded.token,
    properties = backend_tokens.properties || excluded.properties,
    rotated_at = now();
`
