package ytloop

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/authhandler"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	youtube "google.golang.org/api/youtube/v3"
)

var requiredScopes = []string{
	"https://www.googleapis.com/auth/youtube",
}

// LifecycleState is a platform-side broadcast status for Transition.
type LifecycleState string

const (
	LifecycleTesting  LifecycleState = "testing"
	LifecycleLive     LifecycleState = "live"
	LifecycleComplete LifecycleState = "complete"
)

// StreamHealth is the platform's view of whether the bound stream is
// receiving data.
type StreamHealth int

const (
	HealthUnknown StreamHealth = iota
	HealthLive
	HealthStalled
)

func (h StreamHealth) String() string {
	switch h {
	case HealthLive:
		return "live"
	case HealthStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// YouTubeClient wraps the YouTube Data API calls the controller needs:
// broadcast creation, stream binding, lifecycle transitions, stream health
// and monthly playlist filing. Authentication is lazy: the first call builds
// the service from a PKCE refresh-token source with a local callback server.
type YouTubeClient struct {
	ctx       context.Context
	log       *slog.Logger
	transport http.RoundTripper

	clientID     string
	clientSecret string
	redirectURI  string
	scopes       []string
	refreshToken string

	cfg *YouTubeConfig

	listenR     listenResolve
	service     *youtube.Service
	tokenSource oauth2.TokenSource

	mu sync.Mutex
	// streams maps a broadcast ID to its bound liveStream ID for health
	// queries.
	streams map[string]string
}

type YouTubeOption func(*YouTubeClient) error

// WithTransport specifies the transport for the underlying http client.
func WithTransport(transport http.RoundTripper) YouTubeOption {
	return func(c *YouTubeClient) error {
		c.transport = transport
		return nil
	}
}

func NewYouTubeClient(ctx context.Context, log *slog.Logger, cfg *YouTubeConfig, options ...YouTubeOption) (*YouTubeClient, error) {
	c := &YouTubeClient{
		ctx:          ctx,
		log:          log,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		cfg:          cfg,
		listenR:      listenResolve{listenAddr: cfg.OAuthListenAddr},
		streams:      make(map[string]string),
	}
	c.scopes = append(append(c.scopes, cfg.AdditionalScopes...), requiredScopes...)

	var errs error
	for _, option := range options {
		if err := option(c); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return c, nil
}

// Authenticate performs the one-time setup. Failures here are fatal to the
// process; failures after startup are handled per call.
func (c *YouTubeClient) Authenticate(ctx context.Context) error {
	return c.refresh()
}

func (c *YouTubeClient) Close() {
	c.listenR.close()
}

func (c *YouTubeClient) refresh() error {
	if c.service != nil {
		return nil
	}
	err := c.listenR.setupListener()
	if err != nil {
		return err
	}
	c.redirectURI = "http://" + c.listenR.effectiveAddr + "/callback"
	if err := c.validate(); err != nil {
		return err
	}

	ctx := context.WithValue(c.ctx, oauth2.HTTPClient, &http.Client{Transport: c.transport})

	handler, challenge, verifier, err := c.createAuthPKCEAuth()
	if err != nil {
		return err
	}
	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  c.redirectURI,
		Scopes:       c.scopes,
	}
	token := &oauth2.Token{
		TokenType:    "bearer",
		RefreshToken: c.refreshToken,
	}

	c.tokenSource = refreshTokenSourceWithPKCE(ctx,
		conf,
		token,
		"",
		handler,
		&authhandler.PKCEParams{
			Challenge:       challenge,
			ChallengeMethod: "S256",
			Verifier:        verifier,
		},
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)

	httpClient := oauth2.NewClient(ctx, c.tokenSource)
	c.service, err = youtube.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return err
	}
	return nil
}

func (c *YouTubeClient) createAuthPKCEAuth() (authhandler.AuthorizationHandler, string, string, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, "", "", err
	}

	return func(authCodeURL string) (code string, state string, err error) {
		var authErr error
		ctx, cancel := context.WithTimeout(c.ctx, time.Minute*5)
		defer cancel()

		mux := http.NewServeMux()
		server := &http.Server{
			Handler: mux,
		}

		mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
			defer cancel()
			w.WriteHeader(http.StatusOK)
			code = r.FormValue("code")
			state = r.FormValue("state")
			if code == "" {
				authErr = fmt.Errorf("no code received")
				http.Error(w, "no code found in the callback", http.StatusBadRequest)
				return
			}
			c.log.Debug("got auth callback", "state", state)
			fmt.Fprintln(w, `<html>
<head><title>Authorization processed</title></head>
<body>
<h2>Authorization processed</h2>
<p>You can now close this window and return to the application.</p>
</body></html>`)
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		})

		var wg sync.WaitGroup
		wg.Add(1)

		go func() {
			defer wg.Done()
			c.log.Info("starting local server", "listen", fmt.Sprintf("http://%s", c.listenR.effectiveAddr))
			if authErr = server.Serve(c.listenR.stickyPort); authErr != nil {
				if errors.Is(authErr, http.ErrServerClosed) {
					authErr = nil
					return
				}
				c.log.Error("unexpected error running http server", "error", authErr)
			}
		}()

		c.log.Info("opening browser for authorization...")
		err = openBrowser(authCodeURL)
		if err != nil {
			c.log.Error("error opening browser for authorization", "error", err)
			c.log.Info(fmt.Sprintf("visit the following url manually: %s", authCodeURL))
		}
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel2()
		server.Shutdown(ctx2)
		cancel()
		wg.Wait()
		return code, state, authErr
	}, challenge, verifier, nil
}

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	_, err = rand.Read(b)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate PKCE code verifier: %v", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge, nil
}

func (c *YouTubeClient) validate() error {
	var errs error
	if c.clientID == "" {
		errs = errors.Join(errs, fmt.Errorf("YouTube Client ID is empty"))
	}
	if c.redirectURI == "" {
		errs = errors.Join(errs, fmt.Errorf("YouTube Redirect URI is empty"))
	}
	if len(c.scopes) == 0 {
		errs = errors.Join(errs, fmt.Errorf("YouTube Scopes is empty"))
	}
	return errs
}

// withReauth runs fn, and on a 401 rebuilds the service once and retries.
func (c *YouTubeClient) withReauth(fn func() error) error {
	if err := c.refresh(); err != nil {
		return err
	}
	err := fn()
	if err == nil || !IsAuthExpired(err) {
		return err
	}
	c.log.Warn("youtube auth expired, re-authenticating", "error", err)
	c.service = nil
	if rerr := c.refresh(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return fn()
}

// CreateBroadcast inserts a new liveBroadcast and returns its ID.
func (c *YouTubeClient) CreateBroadcast(ctx context.Context, title string, scheduledStart time.Time) (string, error) {
	bc := c.cfg.Broadcast
	start := scheduledStart.Add(bc.StartBuffer).UTC()
	body := &youtube.LiveBroadcast{
		Snippet: &youtube.LiveBroadcastSnippet{
			Title:              title,
			Description:        bc.Description,
			ScheduledStartTime: start.Format(time.RFC3339),
		},
		Status: &youtube.LiveBroadcastStatus{
			PrivacyStatus:           bc.PrivacyStatus,
			SelfDeclaredMadeForKids: bc.MadeForKids,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
		ContentDetails: &youtube.LiveBroadcastContentDetails{
			EnableAutoStart:   bc.EnableAutoStart,
			EnableAutoStop:    bc.EnableAutoStop,
			EnableDvr:         bc.EnableDVR,
			RecordFromStart:   bc.RecordFromStart,
			LatencyPreference: bc.LatencyPreference,
			ForceSendFields:   []string{"EnableAutoStart", "EnableAutoStop", "EnableDvr", "RecordFromStart"},
		},
	}

	var id string
	err := c.withReauth(func() error {
		resp, err := c.service.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, body).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("insert broadcast: %w", err)
		}
		id = resp.Id
		return nil
	})
	if err != nil {
		return "", err
	}
	c.log.Info("created broadcast", "broadcast", id, "title", title)
	return id, nil
}

// BindStream creates a fresh liveStream, binds it to the broadcast and
// returns the ingestion stream key.
func (c *YouTubeClient) BindStream(ctx context.Context, broadcastID string) (string, error) {
	sc := c.cfg.Stream
	body := &youtube.LiveStream{
		Snippet: &youtube.LiveStreamSnippet{
			Title: time.Now().UTC().Format(sc.TitleLayout),
		},
		Cdn: &youtube.CdnSettings{
			FrameRate:     sc.FrameRate,
			IngestionType: sc.IngestionType,
			Resolution:    sc.Resolution,
		},
	}

	var key string
	err := c.withReauth(func() error {
		stream, err := c.service.LiveStreams.Insert([]string{"snippet", "cdn"}, body).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("insert stream: %w", err)
		}
		_, err = c.service.LiveBroadcasts.Bind(broadcastID, []string{"id", "contentDetails"}).
			StreamId(stream.Id).
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("bind stream %s: %w", stream.Id, err)
		}
		c.mu.Lock()
		c.streams[broadcastID] = stream.Id
		c.mu.Unlock()
		key = stream.Cdn.IngestionInfo.StreamName
		return nil
	})
	if err != nil {
		return "", err
	}
	c.log.Info("bound stream to broadcast", "broadcast", broadcastID)
	return key, nil
}

// Transition moves the broadcast to the given lifecycle state. A redundant
// transition is treated as success so ending an auto-stopped broadcast is a
// no-op.
func (c *YouTubeClient) Transition(ctx context.Context, broadcastID string, state LifecycleState) error {
	return c.withReauth(func() error {
		_, err := c.service.LiveBroadcasts.Transition(string(state), broadcastID, []string{"id", "status"}).
			Context(ctx).
			Do()
		if err == nil {
			return nil
		}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			for _, item := range gerr.Errors {
				if item.Reason == "redundantTransition" {
					c.log.Debug("broadcast already in requested state", "broadcast", broadcastID, "state", state)
					return nil
				}
			}
		}
		return fmt.Errorf("transition broadcast %s to %s: %w", broadcastID, state, err)
	})
}

// StreamHealth reports whether the stream bound to the broadcast is actively
// receiving data.
func (c *YouTubeClient) StreamHealth(ctx context.Context, broadcastID string) (StreamHealth, error) {
	c.mu.Lock()
	streamID := c.streams[broadcastID]
	c.mu.Unlock()
	if streamID == "" {
		return HealthUnknown, ErrStreamNotBound
	}

	health := HealthUnknown
	err := c.withReauth(func() error {
		resp, err := c.service.LiveStreams.List([]string{"status"}).Id(streamID).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("list stream %s: %w", streamID, err)
		}
		if len(resp.Items) == 0 || resp.Items[0].Status == nil {
			health = HealthUnknown
			return nil
		}
		health = mapStreamStatus(resp.Items[0].Status.StreamStatus)
		return nil
	})
	if err != nil {
		return HealthUnknown, err
	}
	return health, nil
}

func mapStreamStatus(status string) StreamHealth {
	switch status {
	case "active":
		return HealthLive
	case "inactive", "error":
		return HealthStalled
	default:
		// "created" and "ready" mean the stream exists but has not started
		// ingesting yet; that is not evidence of a stall.
		return HealthUnknown
	}
}

// EnsurePlaylist returns the ID of the playlist with the given title,
// creating it when absent.
func (c *YouTubeClient) EnsurePlaylist(ctx context.Context, title string) (string, error) {
	var id string
	err := c.withReauth(func() error {
		pageToken := ""
		for {
			call := c.service.Playlists.List([]string{"id", "snippet"}).Mine(true).MaxResults(50)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("list playlists: %w", err)
			}
			for _, item := range resp.Items {
				if item.Snippet != nil && item.Snippet.Title == title {
					id = item.Id
					return nil
				}
			}
			pageToken = resp.NextPageToken
			if pageToken == "" {
				break
			}
		}

		pl := c.cfg.Playlist
		body := &youtube.Playlist{
			Snippet: &youtube.PlaylistSnippet{
				Title:           title,
				Description:     strings.ReplaceAll(pl.Description, "{title}", title),
				DefaultLanguage: pl.Language,
			},
			Status: &youtube.PlaylistStatus{
				PrivacyStatus: pl.PrivacyStatus,
			},
		}
		resp, err := c.service.Playlists.Insert([]string{"snippet", "status"}, body).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("insert playlist %q: %w", title, err)
		}
		c.log.Info("created playlist", "playlist", resp.Id, "title", title)
		id = resp.Id
		return nil
	})
	return id, err
}

// AddToPlaylist files the broadcast's archived video into the playlist.
func (c *YouTubeClient) AddToPlaylist(ctx context.Context, playlistID, broadcastID string) error {
	body := &youtube.PlaylistItem{
		Snippet: &youtube.PlaylistItemSnippet{
			PlaylistId: playlistID,
			ResourceId: &youtube.ResourceId{
				Kind:    "youtube#video",
				VideoId: broadcastID,
			},
		},
	}
	return c.withReauth(func() error {
		_, err := c.service.PlaylistItems.Insert([]string{"snippet"}, body).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("add %s to playlist %s: %w", broadcastID, playlistID, err)
		}
		return nil
	})
}

// CleanupStale deletes all upcoming broadcasts and all owned live streams
// left behind by previous runs. Streams the API refuses to delete are
// skipped.
func (c *YouTubeClient) CleanupStale(ctx context.Context) error {
	return c.withReauth(func() error {
		ids, err := c.collectBroadcastIDs(ctx, "upcoming")
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := c.service.LiveBroadcasts.Delete(id).Context(ctx).Do(); err != nil {
				return fmt.Errorf("delete broadcast %s: %w", id, err)
			}
			c.log.Info("deleted stale broadcast", "broadcast", id)
		}

		streamIDs, err := c.collectStreamIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range streamIDs {
			if err := c.service.LiveStreams.Delete(id).Context(ctx).Do(); err != nil {
				var gerr *googleapi.Error
				if errors.As(err, &gerr) && gerr.Code == 403 {
					c.log.Warn("stream cannot be deleted right now, skipping", "stream", id)
					continue
				}
				return fmt.Errorf("delete stream %s: %w", id, err)
			}
			c.log.Info("deleted stale stream", "stream", id)
		}
		return nil
	})
}

func (c *YouTubeClient) collectBroadcastIDs(ctx context.Context, status string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := c.service.LiveBroadcasts.List([]string{"id"}).BroadcastStatus(status).MaxResults(50)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("list %s broadcasts: %w", status, err)
		}
		for _, item := range resp.Items {
			ids = append(ids, item.Id)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

func (c *YouTubeClient) collectStreamIDs(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := c.service.LiveStreams.List([]string{"id"}).Mine(true).MaxResults(50)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("list streams: %w", err)
		}
		for _, item := range resp.Items {
			ids = append(ids, item.Id)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}
