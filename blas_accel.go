//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Routes gonum matmuls through a system CBLAS when built with `-tags netlib`,
// e.g. CGO_LDFLAGS="-lopenblas" on Linux or "-framework Accelerate" on macOS.
func init() {
	blas64.Use(netlib.Implementation{})
}
