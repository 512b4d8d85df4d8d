package catalog

// Sources go into the label's source region. For quotes the key is the quote
// source; for a study it is the study type.
var defaultSources = map[string]string{
	"simulator": "Simulated data.",
	"demo":      "Demo data.",
	"xignite":   `<a target="_blank" href="https://www.xignite.com">Market Data</a> by Xignite.`,
	"Twiggs":    `Formula courtesy <a target="_blank" href="https://www.incrediblecharts.com/indicators/twiggs_money_flow.php">IncredibleCharts</a>.`,
}

// Exchanges go into the quote-type region.
var defaultExchanges = map[string]string{
	"RANDOM":    "Data is randomized.",
	"REAL-TIME": "Data is real-time.",
	"DELAYED":   "Data delayed 15 min.",
	"BATS":      "BATS BZX real-time.",
	"EOD":       "End of day data.",
}
