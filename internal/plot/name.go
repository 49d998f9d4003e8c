package plot

import (
	"fmt"
	"regexp"
	"strconv"
)

// Plot file naming pattern: {account_id}_{start_nonce}_{nonces}
// Example: 10282355196851764065_0_8192
var plotNamePattern = regexp.MustCompile(`^(\d+)_(\d+)_(\d+)$`)

// ParseName extracts the plot identity from a file name.
func ParseName(name string) (Meta, error) {
	matches := plotNamePattern.FindStringSubmatch(name)
	if matches == nil {
		return Meta{}, fmt.Errorf("%w: %q does not match account_start_nonces", ErrFormat, name)
	}

	var vals [3]uint64
	for i := range vals {
		v, err := strconv.ParseUint(matches[i+1], 10, 64)
		if err != nil {
			return Meta{}, fmt.Errorf("%w: %q: %v", ErrFormat, name, err)
		}
		vals[i] = v
	}
	if vals[2] == 0 {
		return Meta{}, fmt.Errorf("%w: %q has no nonces", ErrFormat, name)
	}

	return Meta{
		AccountID:  vals[0],
		StartNonce: vals[1],
		Nonces:     vals[2],
		Name:       name,
	}, nil
}

// FormatName builds the file name of a plot.
func FormatName(accountID, startNonce, nonces uint64) string {
	return fmt.Sprintf("%d_%d_%d", accountID, startNonce, nonces)
}
