package orchestrator

import "math/big"

// Finality thresholds understood by the attestation service.
const (
	FinalityFast     uint32 = 1000
	FinalityStandard uint32 = 2000

	EstimatedFast     = "~20 seconds"
	EstimatedStandard = "~15-19 minutes"
)

// TransferMode is the finality/fee pair chosen for a burn.
type TransferMode struct {
	Fast                 bool     `json:"fast"`
	MinFinalityThreshold uint32   `json:"minFinalityThreshold"`
	MaxFee               *big.Int `json:"maxFee"`
	EstimatedTime        string   `json:"estimatedTime"`
}

// SelectMode maps the fast flag to a mode. Fast transfers attest at the
// lower threshold and pay fastFee; standard transfers wait for full finality
// and pay nothing.
func SelectMode(fast bool, fastFee *big.Int) TransferMode {
	if fast {
		fee := new(big.Int)
		if fastFee != nil {
			fee.Set(fastFee)
		}
		return TransferMode{
			Fast:                 true,
			MinFinalityThreshold: FinalityFast,
			MaxFee:               fee,
			EstimatedTime:        EstimatedFast,
		}
	}
	return TransferMode{
		MinFinalityThreshold: FinalityStandard,
		MaxFee:               new(big.Int),
		EstimatedTime:        EstimatedStandard,
	}
}
