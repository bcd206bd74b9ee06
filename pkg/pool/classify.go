package pool

import "strings"

// Classification buckets an upstream error by what the pool should do about
// the account that produced it.
type Classification int

const (
	// Transient errors (generic rate limits, 5xx, timeouts) leave the
	// account untouched; the request may retry or fail over.
	Transient Classification = iota
	// QuotaExceeded means the subscription hit its rolling usage limit;
	// the account enters cooldown.
	QuotaExceeded
	// Permanent means the credentials were rejected; the account is
	// disabled until an operator intervenes.
	Permanent
)

func (c Classification) String() string {
	switch c {
	case QuotaExceeded:
		return "quota_exceeded"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// quotaPhrases are substrings (matched case-insensitively) that mark a 429
// as subscription quota exhaustion rather than a transient rate limit.
// Anthropic's wording varies; this list is data and expected to grow.
var quotaPhrases = []string{
	"5-hour",
	"5 hour",
	"rolling window",
	"usage limit for your plan",
	"subscription usage limit",
}

// Classify maps an upstream HTTP status and response body to a
// Classification. 429s are inspected for quota phrases; 401/403 are
// permanent; everything else, including unknown statuses, is transient.
func Classify(status int, body string) Classification {
	switch status {
	case 429:
		return classify429(body)
	case 401, 403:
		return Permanent
	default:
		return Transient
	}
}

func classify429(body string) Classification {
	lower := strings.ToLower(body)
	for _, phrase := range quotaPhrases {
		if strings.Contains(lower, phrase) {
			return QuotaExceeded
		}
	}
	return Transient
}
