package normalize

// proposerNames maps a lowercased BLS validator public key to a known
// staking-pool or operator display name. Unlisted keys resolve to
// "unknown" — unlike builders, a raw proposer public key is not a useful
// display fallback.
var proposerNames = map[string]string{}
