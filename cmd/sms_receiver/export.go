package main

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
)

// KML 2.2 elements needed to draw fixes as placemarks.

type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

type Document struct {
	Name       string      `xml:"name"`
	Styles     []Style     `xml:"Style,omitempty"`
	Placemarks []Placemark `xml:"Placemark"`
}

type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

type Icon struct {
	Href string `xml:"href"`
}

type Placemark struct {
	Name         string        `xml:"name"`
	TimeStamp    *TimeStamp    `xml:"TimeStamp,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// TimeStamp lets viewers animate a track over time.
type TimeStamp struct {
	When string `xml:"when"`
}

type Point struct {
	Coordinates string `xml:"coordinates"` // lon,lat,altitude
}

type ExtendedData struct {
	Data []Data `xml:"Data"`
}

type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// fixKML renders every fix of the decoded lines as a placemark.
func fixKML(out []DecodeOut) KML {
	var placemarks []Placemark
	for _, o := range out {
		if o.Record == nil {
			continue
		}
		for _, fix := range o.Record.Fixes {
			when := fix.FixTime.UTC().Format(time.RFC3339)
			placemarks = append(placemarks, Placemark{
				Name:      fmt.Sprintf("%d %s", fix.DeviceSerial, fix.FixTime.UTC().Format("2006-01-02 15:04")),
				TimeStamp: &TimeStamp{When: when},
				StyleURL:  "#fixStyle",
				Point: Point{
					Coordinates: fmt.Sprintf("%.7f,%.7f,0", fix.Longitude, fix.Latitude),
				},
				ExtendedData: &ExtendedData{
					Data: []Data{
						{Name: "device_serial", Value: strconv.FormatInt(fix.DeviceSerial, 10)},
						{Name: "fix_time", Value: when},
						{Name: "line", Value: strconv.Itoa(o.Line)},
					},
				},
			})
		}
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name: "Tracker fixes",
			Styles: []Style{{
				ID: "fixStyle",
				IconStyle: IconStyle{
					Scale: 0.6,
					Icon:  Icon{Href: "http://maps.google.com/mapfiles/kml/shapes/placemark_circle.png"},
				},
			}},
			Placemarks: placemarks,
		},
	}
}

// fixGeoJSON renders every fix of the decoded lines as a point feature.
func fixGeoJSON(out []DecodeOut) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, o := range out {
		if o.Record == nil {
			continue
		}
		for _, fix := range o.Record.Fixes {
			f := geojson.NewFeature(fix.Point)
			f.Properties["device_serial"] = fix.DeviceSerial
			f.Properties["fix_time"] = fix.FixTime.UTC().Format(time.RFC3339)
			f.Properties["battery_voltage"] = o.Record.BatteryVoltage
			fc.Append(f)
		}
	}
	return fc
}

// encodeDecoded serialises the decode command output in the requested format.
func encodeDecoded(out []DecodeOut, format string, pretty bool) ([]byte, error) {
	switch format {
	case "", "json":
		return marshalJSON(out, pretty)
	case "geojson":
		return marshalJSON(fixGeoJSON(out), pretty)
	case "kml":
		b, err := xml.MarshalIndent(fixKML(out), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("generate KML: %w", err)
		}
		return append([]byte(xml.Header), b...), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
