package rabbitmq

import "strings"

// Broker error categories, used as metric and log tags only; they never
// drive control flow.
const (
	CategoryConnection = "connection-error"
	CategoryChannel    = "channel-error"
	CategoryTimeout    = "timeout"
	CategoryEncoding   = "encoding-error"
	CategoryConfig     = "config-error"
	CategoryUnknown    = "unknown"
)

// categoryMatchers is ordered and the order is load-bearing: a "connection
// timeout" is classified as a connection error, because connection loss
// dominates the timeout it caused.
var categoryMatchers = []struct {
	substrings []string
	category   string
}{
	{[]string{"connection", "socket", "network", "broken"}, CategoryConnection},
	{[]string{"channel"}, CategoryChannel},
	{[]string{"timeout", "timed out"}, CategoryTimeout},
	{[]string{"encode", "serialize", "malformed json"}, CategoryEncoding},
	{[]string{"exchange", "routing key", "config"}, CategoryConfig},
}

// CategorizeBrokerError tags a publish/consume failure by case-insensitive
// substring match, first match wins.
func CategorizeBrokerError(err error) string {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, m := range categoryMatchers {
		for _, sub := range m.substrings {
			if strings.Contains(msg, sub) {
				return m.category
			}
		}
	}
	return CategoryUnknown
}
