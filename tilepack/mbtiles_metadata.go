package tilepack

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

type MbtilesMetadata struct {
	metadata map[string]string
}

func NewMbtilesMetadata(metadata map[string]string) *MbtilesMetadata {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &MbtilesMetadata{metadata: metadata}
}

func (m *MbtilesMetadata) Get(k string) (string, bool) {
	v, exists := m.metadata[k]
	return v, exists
}

// Keys returns the metadata names in sorted order.
func (m *MbtilesMetadata) Keys() []string {
	keys := make([]string, 0, len(m.metadata))
	for k := range m.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MbtilesMetadata) Set(key string, value string) {
	m.metadata[key] = value
}

func (m *MbtilesMetadata) SetBounds(bound orb.Bound) {
	m.Set("bounds", fmt.Sprintf("%f,%f,%f,%f", bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()))
}

func (m *MbtilesMetadata) floats(key string, n ...int) ([]float64, error) {
	str, exists := m.Get(key)
	if !exists {
		return nil, fmt.Errorf("metadata is missing %s", key)
	}

	parts := strings.Split(str, ",")
	ok := false
	for _, want := range n {
		ok = ok || len(parts) == want
	}
	if !ok {
		return nil, fmt.Errorf("invalid %s metadata %q", key, str)
	}

	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s component %d, %w", key, i, err)
		}
		values[i] = v
	}
	return values, nil
}

func (m *MbtilesMetadata) Bounds() (orb.Bound, error) {
	v, err := m.floats("bounds", 4)
	if err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{
		Min: orb.Point{v[0], v[1]},
		Max: orb.Point{v[2], v[3]},
	}, nil
}

// Center ignores the optional zoom component.
func (m *MbtilesMetadata) Center() (orb.Point, error) {
	v, err := m.floats("center", 2, 3)
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{v[0], v[1]}, nil
}

func (m *MbtilesMetadata) zoom(key string) (maptile.Zoom, error) {
	str, exists := m.Get(key)
	if !exists {
		return 0, fmt.Errorf("metadata is missing %s", key)
	}
	i, err := strconv.ParseUint(str, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s value, %w", key, err)
	}
	return maptile.Zoom(i), nil
}

func (m *MbtilesMetadata) MinZoom() (maptile.Zoom, error) {
	return m.zoom("minzoom")
}

func (m *MbtilesMetadata) MaxZoom() (maptile.Zoom, error) {
	return m.zoom("maxzoom")
}

func (m *MbtilesMetadata) Format() string {
	return m.metadata["format"]
}
