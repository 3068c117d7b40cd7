// Package utils provides common helpers for working with normalized trading pairs.
//
// A normalized pair is written "BASE_QUOTE", e.g. "BTC_USDT". The base currency
// selects which threshold bar sizes apply to an instrument.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoPairs      = errors.New("zero pairs requested")
	ErrTooManyPairs = errors.New("too many pairs requested")
	ErrInvalidPair  = errors.New("invalid pair")
)

// PairSeparator separates base and quote in a normalized pair.
const PairSeparator = "_"

// BaseCurrency returns the part of pair before the first separator. A pair without
// a separator is returned unchanged.
func BaseCurrency(pair string) string {
	base, _, _ := strings.Cut(pair, PairSeparator)
	return base
}

// ValidatePair checks that pair follows the "BASE_QUOTE" format with both parts
// present and upper case.
func ValidatePair(pair string) error {
	if pair == "" {
		return fmt.Errorf("%w: pair cannot be empty", ErrInvalidPair)
	}

	base, quote, found := strings.Cut(pair, PairSeparator)
	if !found || strings.Contains(quote, PairSeparator) {
		return fmt.Errorf("%w: expected BASE_QUOTE, got %q", ErrInvalidPair, pair)
	}

	if base == "" {
		return fmt.Errorf("%w: base asset cannot be empty", ErrInvalidPair)
	}

	if quote == "" {
		return fmt.Errorf("%w: quote asset cannot be empty", ErrInvalidPair)
	}

	if base != strings.ToUpper(base) || quote != strings.ToUpper(quote) {
		return fmt.Errorf("%w: %q must be upper case", ErrInvalidPair, pair)
	}

	return nil
}

// ValidatePairs validates a slice of pairs and enforces quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of pairs is within acceptable limits
//  2. Format validation: Validates each pair using ValidatePair
func ValidatePairs(pairs []string, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoPairs
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyPairs, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d pairs, maximum allowed %d",
			ErrTooManyPairs, len(pairs), maxAllowed)
	}

	for i, pair := range pairs {
		if err := ValidatePair(pair); err != nil {
			return fmt.Errorf("invalid pair at index %d (%q): %w", i, pair, err)
		}
	}

	return nil
}
