package route

import (
	"context"
	"fmt"

	maps "googlemaps.github.io/maps"

	"github.com/example/ride-coordinator/internal/models"
)

// GoogleClient resolves routes through the Google Directions API and decodes
// the overview polyline of the first route.
type GoogleClient struct {
	client *maps.Client
	mode   maps.Mode
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("maps.NewClient: %w", err)
	}
	return &GoogleClient{client: c, mode: maps.TravelModeDriving}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Position) ([]models.Position, error) {
	dr := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat, from.Lon),
		Destination: fmt.Sprintf("%f,%f", to.Lat, to.Lon),
		Mode:        g.mode,
	}
	routes, _, err := g.client.Directions(ctx, dr)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, ErrNoRoute
	}
	pts, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	line := make([]models.Position, 0, len(pts))
	for _, p := range pts {
		line = append(line, models.Position{Lat: p.Lat, Lon: p.Lng})
	}
	return line, nil
}
