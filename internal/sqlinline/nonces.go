package sqlinline

const QInsertWebhookNonce = `--sql 5f997a22-b7d9-42e2-9292-3a25d817ff94
insert into webhook_nonces(nonce, job_id, received_at)
values ($1, $2, now())
on conflict (nonce) do nothing;
`
