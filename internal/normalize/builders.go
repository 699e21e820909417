package normalize

// builderNames maps a cleaned, lowercased extra-data or graffiti fragment
// to the builder's canonical display name. Seeded with the long-running
// top-volume PBS builders; unlisted builders fall back to their cleaned
// raw identifier rather than "unknown" so new entrants remain traceable.
var builderNames = map[string]string{
	"beaverbuild.org":    "beaverbuild",
	"beaverbuild":        "beaverbuild",
	"titan builder":      "Titan Builder",
	"titanbuilder":       "Titan Builder",
	"rsync-builder.xyz":  "rsync-builder",
	"rsync-builder":      "rsync-builder",
	"flashbots":          "Flashbots",
	"builder0x69":        "builder0x69",
	"jetbuilder.io":      "Jetbuilder",
	"jetbuilder":         "Jetbuilder",
	"eden network":       "Eden Network",
	"bloxroute":          "bloXroute",
	"bloxroute builder":  "bloXroute",
	"nfactorial":         "Nfactorial",
	"blockswatch":        "Blockswatch",
	"gambit labs":        "Gambit Labs",
	"penguinbuild":       "Penguinbuild",
	"manta build":        "Manta Build",
	"quasar":             "Quasar Builder",
	"loki builder":       "Loki Builder",
}

// genericClientNames is a set of generic execution-client identifiers that
// extra-data carries when a block's builder didn't stamp its own graffiti
// (e.g. a solo validator running default geth). These carry no builder
// identity, so they normalize to "unknown" rather than the client name.
var genericClientNames = map[string]bool{
	"geth":       true,
	"nethermind": true,
	"besu":       true,
	"erigon":     true,
	"reth":       true,
}
