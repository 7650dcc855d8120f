// Package testutil provides shared test utilities and fixtures.
//
// It builds synthetic spectra from a small analytic template library so that
// fitting, stacking and orchestration tests run without external data.
package testutil
