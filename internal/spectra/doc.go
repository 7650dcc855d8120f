// Package spectra holds the data model shared by the radial-velocity pipeline:
// visit spectra as delivered by extraction, the fixed log-linear rest-frame
// grid, pixel and star bitmasks, per-visit RV estimates, CCF components and
// the combined spectrum.
//
// Values in this package are treated as immutable once built. Stages that
// refine a record construct a new value instead of mutating a shared one.
package spectra
