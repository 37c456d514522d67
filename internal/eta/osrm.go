package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// ErrNoRoute means OSRM answered but found no road path between the points.
var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient asks an OSRM server for the road time of a captain-to-stop leg.
type OSRMClient struct {
	Endpoint string
	// Profile is the OSRM routing profile; campus buses use "driving".
	Profile string
	Client  *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the fastest road route from the
// captain to the stop.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM takes lon,lat pairs
	leg := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	u := o.Endpoint + "/route/v1/" + url.PathEscape(o.Profile) + "/" + leg + "?overview=false&alternatives=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm status %d: %w", resp.StatusCode, err)
	}
	switch {
	case out.Code == "NoRoute" || (out.Code == "Ok" && len(out.Routes) == 0):
		return 0, ErrNoRoute
	case out.Code != "Ok":
		return 0, fmt.Errorf("osrm %s (status %d): %s", out.Code, resp.StatusCode, out.Message)
	}
	return out.Routes[0].Duration, nil
}
