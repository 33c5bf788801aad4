package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS supported_chains (
	chain_id TEXT PRIMARY KEY,
	domain_id BIGINT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	chain_type TEXT NOT NULL,
	token_messenger TEXT NOT NULL,
	message_transmitter TEXT NOT NULL,
	usdc_address TEXT NOT NULL,
	is_testnet BOOLEAN NOT NULL DEFAULT false,
	is_enabled BOOLEAN NOT NULL DEFAULT true,
	explorer_url TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT domain_id_range CHECK (domain_id >= 0 AND domain_id <= 4294967295),
	CONSTRAINT chain_type_known CHECK (chain_type IN ('evm', 'starknet', 'solana'))
);
`
