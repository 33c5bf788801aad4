package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_transactions (
	id TEXT PRIMARY KEY,
	user_address TEXT NOT NULL,
	source_domain_id BIGINT NOT NULL,
	dest_domain_id BIGINT NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	recipient_address TEXT NOT NULL,

	burn_tx_hash TEXT,
	message_bytes BYTEA,
	message_hash BYTEA,
	nonce TEXT,

	attestation BYTEA,
	attestation_status TEXT NOT NULL DEFAULT 'pending',
	attestation_attempts INTEGER NOT NULL DEFAULT 0,
	last_attestation_check TIMESTAMPTZ,

	mint_tx_hash TEXT,
	auto_minted BOOLEAN NOT NULL DEFAULT false,

	status TEXT NOT NULL DEFAULT 'initiated',
	error_message TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT domain_range CHECK (source_domain_id >= 0 AND dest_domain_id >= 0 AND source_domain_id <= 4294967295 AND dest_domain_id <= 4294967295),
	CONSTRAINT status_valid CHECK (status IN ('initiated','burned','attested','minting','completed','failed')),
	CONSTRAINT attestation_status_valid CHECK (attestation_status IN ('pending','complete','failed')),
	CONSTRAINT attestation_iff_complete CHECK ((attestation IS NOT NULL) = (attestation_status = 'complete')),
	CONSTRAINT message_hash_iff_bytes CHECK ((message_bytes IS NULL) = (message_hash IS NULL)),
	CONSTRAINT message_hash_len CHECK (message_hash IS NULL OR octet_length(message_hash) = 32),
	CONSTRAINT burned_has_hash CHECK (status = 'initiated' OR status = 'failed' OR burn_tx_hash IS NOT NULL),
	CONSTRAINT failed_has_reason CHECK (status <> 'failed' OR error_message IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS bridge_transactions_pending_idx
	ON bridge_transactions (created_at)
	WHERE status = 'burned' AND attestation_status = 'pending';
CREATE INDEX IF NOT EXISTS bridge_transactions_attested_idx
	ON bridge_transactions (dest_domain_id, created_at)
	WHERE status = 'attested';

CREATE OR REPLACE FUNCTION bridge_transactions_notify() RETURNS trigger AS $$
BEGIN
	IF NEW.status = 'burned' AND NEW.message_hash IS NOT NULL AND (
		TG_OP = 'INSERT' OR OLD.status <> 'burned' OR OLD.message_hash IS NULL
	) THEN
		PERFORM pg_notify('attestation_needed', json_build_object(
			'id', NEW.id,
			'messageHash', '0x' || encode(NEW.message_hash, 'hex'),
			'attempts', NEW.attestation_attempts
		)::text);
	END IF;

	IF TG_OP = 'INSERT'
		OR OLD.status <> NEW.status
		OR OLD.attestation_status <> NEW.attestation_status
		OR (OLD.attestation IS NULL) <> (NEW.attestation IS NULL)
	THEN
		PERFORM pg_notify('bridge_status_changed', json_build_object(
			'id', NEW.id,
			'status', NEW.status,
			'attestationStatus', NEW.attestation_status,
			'hasAttestation', NEW.attestation IS NOT NULL,
			'burnTxHash', NEW.burn_tx_hash,
			'mintTxHash', NEW.mint_tx_hash,
			'errorMessage', NEW.error_message
		)::text);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS bridge_transactions_notify_trg ON bridge_transactions;
CREATE TRIGGER bridge_transactions_notify_trg
	AFTER INSERT OR UPDATE ON bridge_transactions
	FOR EACH ROW EXECUTE FUNCTION bridge_transactions_notify();
`
