package bridge

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/cctp-bridge/internal/notify"
)

// ChangeEvents returns the notifications a write from prev to cur emits. prev
// is nil for inserts. The Postgres triggers implement the same rules.
func ChangeEvents(prev *Transaction, cur Transaction) []notify.Event {
	var out []notify.Event

	if cur.Status == StatusBurned && len(cur.MessageHash) > 0 &&
		(prev == nil || prev.Status != StatusBurned || len(prev.MessageHash) == 0) {
		out = append(out, notify.Event{
			Channel: notify.ChannelAttestationNeeded,
			AttestationNeeded: &notify.AttestationNeeded{
				ID:          cur.ID,
				MessageHash: hexutil.Encode(cur.MessageHash),
				Attempts:    cur.AttestationAttempts,
			},
		})
	}

	if prev == nil ||
		prev.Status != cur.Status ||
		prev.AttestationStatus != cur.AttestationStatus ||
		prev.HasAttestation() != cur.HasAttestation() {
		out = append(out, notify.Event{
			Channel:       notify.ChannelStatusChanged,
			StatusChanged: StatusEvent(cur),
		})
	}
	return out
}

func StatusEvent(t Transaction) *notify.StatusChanged {
	return &notify.StatusChanged{
		ID:                t.ID,
		Status:            string(t.Status),
		AttestationStatus: string(t.AttestationStatus),
		HasAttestation:    t.HasAttestation(),
		BurnTxHash:        t.BurnTxHash,
		MintTxHash:        t.MintTxHash,
		ErrorMessage:      t.ErrorMessage,
	}
}
