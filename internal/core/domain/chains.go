package domain

// ChainIDToName maps well-known EVM chain IDs to display names.
var ChainIDToName = map[string]string{
	"1":     "ethereum",
	"10":    "optimism",
	"56":    "bsc",
	"137":   "polygon",
	"8453":  "base",
	"42161": "arbitrum",
}

// defaultBlockSeconds holds average block times used to translate a
// historical-days tier setting into a block count. Overridable per chain
// in configuration.
var defaultBlockSeconds = map[string]float64{
	"1":     12.0,
	"10":    2.0,
	"56":    3.0,
	"137":   2.1,
	"8453":  2.0,
	"42161": 0.25,
}

// BlockSeconds returns the average block time for a chain, falling back to
// the Ethereum mainnet cadence for unknown chains.
func BlockSeconds(chainID string) float64 {
	if s, ok := defaultBlockSeconds[chainID]; ok {
		return s
	}
	return 12.0
}

// BlocksForDays converts a number of days into an approximate block count
// for the given chain.
func BlocksForDays(chainID string, days int, blockSeconds float64) uint64 {
	if days <= 0 {
		return 0
	}
	if blockSeconds <= 0 {
		blockSeconds = BlockSeconds(chainID)
	}
	return uint64(float64(days) * 86400 / blockSeconds)
}
