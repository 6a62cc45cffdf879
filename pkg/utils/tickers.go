// Package utils holds small helpers shared by the command line, the API and the workflow.
package utils

import "strings"

// ParseTickers splits a comma-separated list of symbols, trimming whitespace
// and upper-casing each entry. Empty entries are dropped; order is preserved.
func ParseTickers(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.ToUpper(strings.TrimSpace(p))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// JoinTickers renders symbols the way they are interpolated into prompts.
func JoinTickers(tickers []string) string {
	return strings.Join(tickers, ", ")
}

// ParseTickerArgs accepts tickers given either as separate arguments or as
// comma-separated lists, e.g. `run AAPL MSFT` or `run AAPL,MSFT`.
func ParseTickerArgs(args []string) []string {
	return ParseTickers(strings.Join(args, ","))
}
