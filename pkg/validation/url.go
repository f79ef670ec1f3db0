// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// Every URL the service dereferences arrives from outside: the origin URL from
// the caller, candidate URLs from third-party profile documents. These
// validators keep the outbound fetcher restricted to absolute http(s) URLs so a
// profile cannot point it at file://, gopher:// or scheme-relative targets.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MaxURLLength bounds the length of any URL the fetcher will request.
const MaxURLLength = 2048

var (
	// ErrEmptyURL is returned for blank input.
	ErrEmptyURL = errors.New("url cannot be empty")

	// ErrUnsupportedScheme is returned for anything other than http and https.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// ValidateFetchURL checks that raw is an absolute http or https URL with a host.
//
// Example:
//
//	if err := validation.ValidateFetchURL(profileURL); err != nil {
//	    return nil, fmt.Errorf("failed to fetch %s: %w", profileURL, err)
//	}
func ValidateFetchURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyURL
	}
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url exceeds %d characters", MaxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

// SanitizeFetchURL trims surrounding whitespace and validates the result.
//
//	safeURL, err := validation.SanitizeFetchURL(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeFetchURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if err := ValidateFetchURL(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
