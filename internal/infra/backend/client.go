package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/voxlink/internal/domain/track"
)

const apiVersion = "/v4"

// Client is the REST binding of a node. It never retries: the caller decides.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
}

// NewClient creates a REST client for the node at baseURL (scheme://host:port).
// requestsPerSecond <= 0 disables pacing.
func NewClient(baseURL, password string, timeout time.Duration, requestsPerSecond float64, burst int) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    baseURL,
		password:   password,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, burst),
		timeout:    timeout,
	}
}

// LoadTracks resolves an identifier or search query ("ytsearch:...") into tracks.
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*track.LoadResult, error) {
	var resp loadResponse
	query := url.Values{"identifier": {identifier}}
	if err := c.do(ctx, http.MethodGet, apiVersion+"/loadtracks", query, nil, &resp); err != nil {
		return nil, err
	}
	return decodeLoadResult(resp)
}

func decodeLoadResult(resp loadResponse) (*track.LoadResult, error) {
	result := &track.LoadResult{LoadType: resp.LoadType}
	var err error
	switch resp.LoadType {
	case track.LoadTypeTrack:
		var t track.Track
		err = json.Unmarshal(resp.Data, &t)
		result.Tracks = []track.Track{t}
	case track.LoadTypePlaylist:
		var data playlistData
		err = json.Unmarshal(resp.Data, &data)
		result.Tracks = data.Tracks
		result.Playlist = &data.Info
	case track.LoadTypeSearch:
		err = json.Unmarshal(resp.Data, &result.Tracks)
	case track.LoadTypeEmpty:
	case track.LoadTypeError:
		var ex track.Exception
		err = json.Unmarshal(resp.Data, &ex)
		result.Exception = &ex
	default:
		return nil, errors.Newf("unknown load type %q", resp.LoadType)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s result", resp.LoadType)
	}
	return result, nil
}

// DecodeTrack decodes a single encoded track.
func (c *Client) DecodeTrack(ctx context.Context, encoded string) (*track.Track, error) {
	var t track.Track
	query := url.Values{"encodedTrack": {encoded}}
	if err := c.do(ctx, http.MethodGet, apiVersion+"/decodetrack", query, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DecodeTracks decodes several encoded tracks in one call.
func (c *Client) DecodeTracks(ctx context.Context, encoded []string) ([]track.Track, error) {
	var tracks []track.Track
	if err := c.do(ctx, http.MethodPost, apiVersion+"/decodetracks", nil, encoded, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// GetPlayers returns all players of a session.
func (c *Client) GetPlayers(ctx context.Context, sessionID string) ([]Player, error) {
	var players []Player
	if err := c.do(ctx, http.MethodGet, playersPath(sessionID), nil, nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// GetPlayer returns the player of a guild.
func (c *Client) GetPlayer(ctx context.Context, sessionID, guildID string) (*Player, error) {
	var p Player
	if err := c.do(ctx, http.MethodGet, playerPath(sessionID, guildID), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePlayer creates or updates the player of a guild.
func (c *Client) UpdatePlayer(ctx context.Context, sessionID, guildID string, req PlayerUpdateRequest, noReplace bool) (*Player, error) {
	var p Player
	query := url.Values{"noReplace": {strconv.FormatBool(noReplace)}}
	if err := c.do(ctx, http.MethodPatch, playerPath(sessionID, guildID), query, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DestroyPlayer deletes the player of a guild.
func (c *Client) DestroyPlayer(ctx context.Context, sessionID, guildID string) error {
	return c.do(ctx, http.MethodDelete, playerPath(sessionID, guildID), nil, nil, nil)
}

// UpdateSession configures resuming for a session.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) (*SessionUpdate, error) {
	var out SessionUpdate
	if err := c.do(ctx, http.MethodPatch, apiVersion+"/sessions/"+url.PathEscape(sessionID), nil, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info returns node version and capabilities.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, apiVersion+"/info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats returns the current load report.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, apiVersion+"/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Version returns the node version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/version", nil, nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func playersPath(sessionID string) string {
	return apiVersion + "/sessions/" + url.PathEscape(sessionID) + "/players"
}

func playerPath(sessionID, guildID string) string {
	return playersPath(sessionID) + "/" + url.PathEscape(guildID)
}

// do performs one request. out may be nil, a *bytes.Buffer for raw bodies, or a JSON target.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return errors.Wrap(ctx.Err(), "rate limiter wait")
		}
		return errors.Mark(errors.Wrap(err, "rate limiter wait"), ErrTimeout)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	zlog.Trace().Msgf("node request: method=%s path=%s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(errors.Wrapf(err, "%s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RequestError{Status: resp.StatusCode, Method: method, Path: path}
		var er errorResponse
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil && json.Unmarshal(data, &er) == nil {
			re.Message = er.Message
		}
		return classifyStatus(re)
	}

	switch target := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		if _, err := io.Copy(target, resp.Body); err != nil {
			return classifyTransport(errors.Wrap(err, "failed to read response"))
		}
		return nil
	default:
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "failed to decode %s %s response", method, path)
		}
		return nil
	}
}
