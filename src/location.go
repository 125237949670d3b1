package groupwave

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"
)

// Position is an optional field on MSG_STATUS_UPDATE, encoded on the
// wire as signed millionths-of-a-degree latitude/longitude (8 bytes).
type Position struct {
	Lat, Lon float64
}

func d2r(deg float64) float64 { return deg * math.Pi / 180 }

// EncodePosition writes lat/lon as two big-endian int32, each in
// millionths of a degree.
func EncodePosition(p Position) []byte {
	buf := make([]byte, 8)
	putInt32BE(buf[0:4], int32(p.Lat*1e6))
	putInt32BE(buf[4:8], int32(p.Lon*1e6))
	return buf
}

func DecodePosition(b []byte) (Position, bool) {
	if len(b) < 8 {
		return Position{}, false
	}
	lat := float64(getInt32BE(b[0:4])) / 1e6
	lon := float64(getInt32BE(b[4:8])) / 1e6
	return Position{Lat: lat, Lon: lon}, true
}

func putInt32BE(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u >> 24)
	b[1] = byte(u >> 16)
	b[2] = byte(u >> 8)
	b[3] = byte(u)
}

func getInt32BE(b []byte) int32 {
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// UTM renders a position in UTM, for the status display's coordinate
// readout (operators reading grid coordinates off a paper map).
func (p Position) UTM() (string, error) {
	latlng := s2.LatLng{Lat: s1.Angle(d2r(p.Lat)), Lng: s1.Angle(d2r(p.Lon))}
	utm, err := coordconv.DefaultUTMConverter.ConvertFromGeodetic(latlng, 0)
	if err != nil {
		return "", wrapErr("location.utm", ErrIO, err)
	}
	return fmt.Sprintf("%dx hemisphere=%c E=%.0f N=%.0f", utm.Zone, HemisphereToRune(utm.Hemisphere), utm.Easting, utm.Northing), nil
}

// DistanceBearing returns great-circle distance in meters and initial
// bearing in degrees from p to other, for the status display's
// "peer is N km at bearing B" readout.
func DistanceBearing(p, other Position) (meters, bearingDeg float64) {
	const earthRadiusM = 6371008.8

	from := s2.LatLngFromDegrees(p.Lat, p.Lon)
	to := s2.LatLngFromDegrees(other.Lat, other.Lon)
	angle := from.Distance(to)
	meters = float64(angle) * earthRadiusM

	lat1, lat2 := d2r(p.Lat), d2r(other.Lat)
	dLon := d2r(other.Lon - p.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	bearingDeg = math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	return meters, bearingDeg
}
