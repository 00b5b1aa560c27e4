package sqlinline

// Image rows are always addressed together with their owner so a brand can
// never read or mutate another brand's images.

const QInsertImage = `--sql 94971b8a-36ae-4152-bca6-dfb2a3d17f77
insert into images (
    id, user_id, brand_id, status, prompt, image_url,
    version_history, edit_count, max_edits, metadata, created_at, updated_at
)
values (
    $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::text,
    coalesce($7::jsonb, '[]'::jsonb), $8::int, $9::int, coalesce($10::jsonb, '{}'::jsonb), now(), now()
)
returning created_at, updated_at;
`

const QSelectImage = `--sql 40a0b692-71c5-467e-99c4-9976b26c2c96
select id::text, user_id, brand_id, status, prompt, image_url,
       version_history, edit_count, max_edits, metadata, created_at, updated_at
from images
where id = $1::uuid and user_id = $2::text and brand_id = $3::text;
`

// QUpdateImage refuses to shrink version_history, which keeps the history
// append-only even against stale writers. Ready and error rows keep their
// status.
const QUpdateImage = `--sql b7413e93-1bf6-4155-a6f0-6097e1def258
update images
set status = $4::text,
    prompt = $5::text,
    image_url = $6::text,
    version_history = $7::jsonb,
    edit_count = $8::int,
    max_edits = $9::int,
    metadata = $10::jsonb,
    updated_at = coalesce($11::timestamptz, now())
where id = $1::uuid
  and user_id = $2::text
  and brand_id = $3::text
  and jsonb_array_length(version_history) <= jsonb_array_length($7::jsonb)
  and (status = 'generating' or status = $4::text)
returning updated_at;
`

const QDeleteImage = `--sql 2c91eee1-ec0b-429d-b9a0-06131b0ab631
delete from images
where id = $1::uuid and user_id = $2::text and brand_id = $3::text;
`

const QListImagesByOwner = `--sql 99a592f5-20ce-4cbc-878c-80e2d9b5a053
select id::text, user_id, brand_id, status, prompt, image_url,
       version_history, edit_count, max_edits, metadata, created_at, updated_at
from images
where user_id = $1::text and brand_id = $2::text
order by created_at desc, id desc
limit $3::int;
`

const QFindImagesByMetadata = `--sql bd367adc-efc6-4dab-8906-238165d4d6d4
select id::text, user_id, brand_id, status, prompt, image_url,
       version_history, edit_count, max_edits, metadata, created_at, updated_at
from images
where user_id = $1::text
  and brand_id = $2::text
  and ($3::text = '' or metadata->>'variation_group_id' = $3::text)
  and ($4::int is null or (metadata->>'variation_index')::int = $4::int)
  and ($5::text = '' or metadata->>'prompt_version' = $5::text)
order by created_at asc, id asc;
`

// QSelectImageByID is used by the render worker, which only knows the id.
const QSelectImageByID = `--sql 02e7534e-06b2-4362-b50a-d4093ca85fe7
select id::text, user_id, brand_id, status, prompt, image_url,
       version_history, edit_count, max_edits, metadata, created_at, updated_at
from images
where id = $1::uuid;
`

const QRecentPrompts = `--sql 4e3a54e7-8929-4562-bf11-132109582e76
select prompt
from (
    select prompt, max(created_at) as last_used
    from images
    where user_id = $1::text and brand_id = $2::text and status = 'ready'
    group by prompt
) recent
order by last_used desc
limit $3::int;
`
