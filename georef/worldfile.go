package georef

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WorldFile renders gt as the six-line world file text.
func (gt GeoTransform) WorldFile() string {
	var sb strings.Builder
	for _, v := range []float64{gt.PixelSizeX, gt.RotationY, gt.RotationX, gt.PixelSizeY, gt.OriginX, gt.OriginY} {
		fmt.Fprintf(&sb, "%.10f\n", v)
	}
	return sb.String()
}

// WorldFilePath returns the sidecar name for imagePath: the first and last
// letters of the image extension followed by "w", so .jpg becomes .jgw and
// .tif becomes .tfw.
func WorldFilePath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)
	ext = strings.TrimPrefix(ext, ".")
	if len(ext) < 2 {
		return base + ".wld"
	}
	return base + "." + ext[:1] + ext[len(ext)-1:] + "w"
}

// WriteWorldFile writes the world file next to imagePath and returns its path.
func WriteWorldFile(imagePath string, gt GeoTransform) (string, error) {
	path := WorldFilePath(imagePath)
	if err := os.WriteFile(path, []byte(gt.WorldFile()), 0644); err != nil {
		return "", fmt.Errorf("failed to write world file %s: %w", path, err)
	}
	return path, nil
}

// ParseWorldFile reads the six world-file parameters from r.
func ParseWorldFile(r io.Reader) (GeoTransform, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return GeoTransform{}, fmt.Errorf("reading world file: %w", err)
	}

	lines := strings.Fields(string(data))
	if len(lines) != 6 {
		return GeoTransform{}, fmt.Errorf("world file: expected 6 values, got %d", len(lines))
	}

	vals := make([]float64, 6)
	for i, line := range lines {
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return GeoTransform{}, fmt.Errorf("world file line %d: %w", i+1, err)
		}
		vals[i] = v
	}

	return GeoTransform{
		PixelSizeX: vals[0],
		RotationY:  vals[1],
		RotationX:  vals[2],
		PixelSizeY: vals[3],
		OriginX:    vals[4],
		OriginY:    vals[5],
	}, nil
}
