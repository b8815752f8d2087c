// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "errors"

// ErrInvalidTopicName is returned when a topic name contains characters
// outside the allowed set.
var ErrInvalidTopicName = errors.New("invalid topic name: contains illegal characters")

// ValidateTopicName checks if the name is valid. Allowed characters are
// alphanumerics, '.', '-', '_' and the wildcard tokens '*' and '#'.
// Wildcard tokens are legal because subscriptions auto-create their
// patterns as topic entries (a literal "#" subscription sees everything).
func ValidateTopicName(name string) error {
	if name == "" {
		return ErrInvalidTopicName
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_' || r == '*' || r == '#':
		default:
			return ErrInvalidTopicName
		}
	}
	return nil
}
