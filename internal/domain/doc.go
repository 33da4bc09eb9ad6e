// Package domain models satellite NO2 tropospheric-column granules and the
// point observations and grid cells derived from them.
//
// # Data Source
//
// Granules are TEMPO Level-2 NO2 swath files (short name TEMPO_NO2_L2),
// distributed by NASA Earthdata as NetCDF4 files named
// TEMPO_NO2_L2_V03_<start>_S<scan>G<granule>.nc. Each file holds two groups
// the pipeline reads:
//
//	/product
//	  vertical_column_troposphere  (mirror_step, xtrack)         molecules/cm^2
//	  main_data_quality_flag       (mirror_step, xtrack)         0 = normal
//	/geolocation
//	  latitude_bounds              (mirror_step, xtrack, corner) degrees_north
//	  longitude_bounds             (mirror_step, xtrack, corner) degrees_east
//
// Fill values are decoded to NaN by the reader before any array reaches this
// package.
//
// # Quality Filtering
//
// Only pixels whose quality flag is exactly 0 are kept. The flag is compared
// for equality, not used as a bitmask, and no partial-quality values are
// accepted. A granule with no such pixel contributes nothing and is reported
// as [ErrNoQualityPixels].
//
// # Pixel Centers
//
// The position of a pixel is the mean of its corner coordinates (usually four)
// with NaN corners ignored. See [CornerMean].
//
// # Binning
//
// Observations are binned by floor division onto a grid of fixed cell size:
//
//	lat_bin = (lat // size) * size
//	lon_bin = (lon // size) * size
//
// Floor division rounds toward negative infinity, so bin edges sit on the
// southwest corner of each cell and negative longitudes bin differently than
// truncation would. [FloorDiv] reproduces the float floor-division rules used
// by the tools that produced the reference exports, including the rounding of
// the quotient, so bin keys compare equal bit for bit.
package domain
