package cache

import (
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/purell"
)

// Fingerprint derives the cache key of a request from its normalized url and
// the session epoch it was made under. Requests that only differ in the order
// of their query parameters share a fingerprint.
func Fingerprint(base *url.URL, endpoint string, params url.Values, epoch uint64) (string, error) {
	full, err := base.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		query := full.Query()
		for key, values := range params {
			for _, v := range values {
				query.Add(key, v)
			}
		}
		full.RawQuery = query.Encode()
	}

	normalized := purell.NormalizeURL(
		full,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	)
	return fmt.Sprintf("e%d:%s", epoch, normalized), nil
}
