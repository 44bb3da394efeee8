// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package xmath holds small generic arithmetic helpers shared across the
// engine.
package xmath

import "golang.org/x/exp/constraints"

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// RoundUp returns a rounded up to the next multiple of b.
func RoundUp[T constraints.Integer](a, b T) T {
	return CeilDiv(a, b) * b
}
