// Package netcdf reads TEMPO granules from NetCDF4/HDF5 files.
package netcdf

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

// Layout names the groups and variables a granule is read from. An empty
// group name means the root group.
type Layout struct {
	ProductGroup     string
	GeolocationGroup string
	Measurement      string
	Quality          string
	LatitudeBounds   string
	LongitudeBounds  string
}

// DefaultLayout is the TEMPO L2 NO2 product layout.
func DefaultLayout() Layout {
	return Layout{
		ProductGroup:     "product",
		GeolocationGroup: "geolocation",
		Measurement:      "vertical_column_troposphere",
		Quality:          "main_data_quality_flag",
		LatitudeBounds:   "latitude_bounds",
		LongitudeBounds:  "longitude_bounds",
	}
}

// Reader opens granule files. It holds no file handles between calls.
type Reader struct {
	layout Layout
	logger *slog.Logger
}

// NewReader creates a Reader for the given layout.
func NewReader(layout Layout, logger *slog.Logger) *Reader {
	return &Reader{layout: layout, logger: logger}
}

// ReadGranule opens path read-only, decodes the four required arrays, and
// closes the file before returning.
func (r *Reader) ReadGranule(ctx context.Context, path string) (domain.Granule, error) {
	if err := ctx.Err(); err != nil {
		return domain.Granule{}, err
	}

	root, err := netcdf.Open(path)
	if err != nil {
		return domain.Granule{}, fmt.Errorf("%w: open %s: %w", domain.ErrUnreadable, path, err)
	}
	defer root.Close()

	product, err := subgroup(root, r.layout.ProductGroup)
	if err != nil {
		return domain.Granule{}, fmt.Errorf("%s: %w", path, err)
	}
	if r.layout.ProductGroup != "" {
		defer product.Close()
	}
	geo, err := subgroup(root, r.layout.GeolocationGroup)
	if err != nil {
		return domain.Granule{}, fmt.Errorf("%s: %w", path, err)
	}
	if r.layout.GeolocationGroup != "" {
		defer geo.Close()
	}

	g := domain.Granule{Path: path, Name: filepath.Base(path)}
	fields := []struct {
		group api.Group
		name  string
		dst   *domain.Field
	}{
		{product, r.layout.Measurement, &g.Product.Column},
		{product, r.layout.Quality, &g.Product.QualityFlag},
		{geo, r.layout.LatitudeBounds, &g.Geolocation.LatitudeBounds},
		{geo, r.layout.LongitudeBounds, &g.Geolocation.LongitudeBounds},
	}
	for _, f := range fields {
		field, err := readField(f.group, f.name)
		if err != nil {
			return domain.Granule{}, fmt.Errorf("%s: %w", path, err)
		}
		*f.dst = field
	}

	if g.Geolocation.LatitudeBounds.Size() == 0 || g.Geolocation.LongitudeBounds.Size() == 0 {
		return domain.Granule{}, fmt.Errorf("%s: %w", path, domain.ErrEmptyGeolocation)
	}

	r.logger.Debug("granule read",
		"path", path,
		"shape", g.Product.Column.Shape,
	)
	return g, nil
}

func subgroup(root api.Group, name string) (api.Group, error) {
	if name == "" {
		return root, nil
	}
	g, err := root.GetGroup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: group %s: %w", domain.ErrMissingField, name, err)
	}
	return g, nil
}

func readField(g api.Group, name string) (domain.Field, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return domain.Field{}, fmt.Errorf("%w: variable %s: %w", domain.ErrMissingField, name, err)
	}
	return decodeVariable(name, v)
}
