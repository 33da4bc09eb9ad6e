package domain

import "errors"

// Granule-level failures. Each one drops a single granule's contribution;
// none of them stops a processing pass.
var (
	ErrUnreadable       = errors.New("granule unreadable")
	ErrMissingField     = errors.New("required field missing")
	ErrEmptyGeolocation = errors.New("geolocation bounds empty")
	ErrShapeMismatch    = errors.New("array shape mismatch")
	ErrNoQualityPixels  = errors.New("no pixels with quality flag 0")
)

// SkipReason maps a granule error to a stable label for logs and metrics.
func SkipReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreadable):
		return "unreadable"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrEmptyGeolocation):
		return "empty_geolocation"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrNoQualityPixels):
		return "no_quality_pixels"
	default:
		return "other"
	}
}
