package sqlinline

const QReserveCredits = `--sql ff1c3382-67f9-46e9-aa30-7903bc9312b7
update tenants
set balance_micros = balance_micros - $2, updated_at = now()
where id = $1 and balance_micros >= $2
returning balance_micros;
`

const QInsertReserveEntry = `--sql 0b0a9b96-c9eb-4ab8-97d9-2c3e62829fb2
insert into credit_ledger(id, tenant_id, entry_type, amount_micros, reference_job_id)
values ($1, $2, 'reserve', $3, $4);
`

const QInsertRefundEntry = `--sql 47a41893-e807-4608-98b9-65e90a426e8e
insert into credit_ledger(id, tenant_id, entry_type, amount_micros, reference_job_id)
values ($1, $2, 'refund', $3, $4)
on conflict (reference_job_id, entry_type) do nothing
returning id;
`

const QApplyRefund = `--sql 671ad05c-6549-4642-bf72-1a06415c1b47
update tenants
set balance_micros = balance_micros + $2, updated_at = now()
where id = $1;
`
