package georef

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type pamDataset struct {
	XMLName      xml.Name      `xml:"PAMDataset"`
	SRS          string        `xml:"SRS"`
	GeoTransform string        `xml:"GeoTransform"`
	Metadata     []pamMetadata `xml:"Metadata>MDI"`
}

type pamMetadata struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

func formatGDALTransform(gt GeoTransform) string {
	coeffs := gt.GDAL()
	parts := make([]string, len(coeffs))
	for i, v := range coeffs {
		parts[i] = " " + strconv.FormatFloat(v, 'e', 16, 64)
	}
	return strings.Join(parts, ",")
}

// AuxXML renders the GDAL PAM sidecar for a mosaic named mosaicName.
func AuxXML(crs CRS, mosaicName string, gt GeoTransform) ([]byte, error) {
	doc := pamDataset{
		SRS:          crs.WKT(),
		GeoTransform: formatGDALTransform(gt),
		Metadata: []pamMetadata{
			{Key: "SOURCE_FILE", Value: filepath.Base(mosaicName)},
			{Key: "CRS_NAME", Value: crs.Name()},
		},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode aux.xml: %w", err)
	}
	return append(out, '\n'), nil
}

// AuxXMLPath is where GDAL looks for the PAM sidecar of imagePath.
func AuxXMLPath(imagePath string) string {
	return imagePath + ".aux.xml"
}

// WriteAuxXML writes the PAM sidecar next to imagePath and returns its path.
func WriteAuxXML(imagePath string, crs CRS, gt GeoTransform) (string, error) {
	data, err := AuxXML(crs, imagePath, gt)
	if err != nil {
		return "", err
	}

	path := AuxXMLPath(imagePath)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
