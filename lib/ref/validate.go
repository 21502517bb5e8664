// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseMatrixID splits @localpart:server. The server must be non-empty
// and free of whitespace, control characters and sigils.
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	if len(matrixID) < 2 || matrixID[0] != '@' {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: must start with @", matrixID)
	}
	localpart, server, found := strings.Cut(matrixID[1:], ":")
	switch {
	case !found:
		return "", "", fmt.Errorf("invalid Matrix user ID %q: missing :server", matrixID)
	case localpart == "":
		return "", "", fmt.Errorf("invalid Matrix user ID %q: empty localpart", matrixID)
	case server == "":
		return "", "", fmt.Errorf("invalid Matrix user ID %q: empty server", matrixID)
	}
	for i := 0; i < len(server); i++ {
		if c := server[i]; c <= ' ' || c == '@' || c == '#' || c == '!' {
			return "", "", fmt.Errorf("invalid Matrix user ID %q: bad server character at %d", matrixID, i)
		}
	}
	return localpart, server, nil
}
