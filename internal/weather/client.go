// README: OpenWeather current-conditions client used for the rain surcharge.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ridedispatch/internal/types"
)

var ErrUnavailable = errors.New("weather unavailable")

// Conditions is the subset of the current-weather payload pricing looks at.
type Conditions struct {
	Main        string
	Description string
	TempC       float64
}

// Raining reports whether the headline condition is rain.
func (c Conditions) Raining() bool {
	return c.Main == "Rain"
}

type Client struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 5 * time.Second},
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

type currentResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
}

func (c *Client) Current(ctx context.Context, p types.Point) (Conditions, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(p.Lng, 'f', 6, 64))
	q.Set("units", "metric")
	q.Set("appid", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Conditions{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Conditions{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Conditions{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body currentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Conditions{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := Conditions{TempC: body.Main.Temp}
	if len(body.Weather) > 0 {
		out.Main = body.Weather[0].Main
		out.Description = body.Weather[0].Description
	}
	return out, nil
}
