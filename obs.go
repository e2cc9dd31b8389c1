package ytloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andreykaipov/goobs"
	obsconfig "github.com/andreykaipov/goobs/api/requests/config"
	"github.com/andreykaipov/goobs/api/requests/inputs"
	"github.com/andreykaipov/goobs/api/requests/sceneitems"
	"github.com/andreykaipov/goobs/api/typedefs"
)

// OBSClient drives the broadcaster over its websocket control socket. One
// long-lived connection is reused across cycles; reconnecting is a recovery
// action, not steady state.
type OBSClient struct {
	log *slog.Logger
	cfg *OBSConfig

	mu     sync.Mutex
	client *goobs.Client
}

func NewOBSClient(log *slog.Logger, cfg *OBSConfig) *OBSClient {
	return &OBSClient{log: log, cfg: cfg}
}

// Connect establishes the control-socket connection. If the socket refuses
// and an app path is configured, the broadcaster is launched and the
// connection retried after the configured wait.
func (o *OBSClient) Connect() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connectLocked()
}

func (o *OBSClient) connectLocked() error {
	if o.client != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", o.cfg.Host, o.cfg.Port)
	client, err := goobs.New(addr, goobs.WithPassword(o.cfg.Password))
	if err == nil {
		o.client = client
		o.log.Info("connected to obs", "addr", addr)
		return nil
	}
	if !isConnectionError(err) || o.cfg.AppPath == "" {
		return fmt.Errorf("connect to obs at %s: %w", addr, err)
	}

	o.log.Warn("obs not reachable, launching application", "app", o.cfg.AppPath)
	if lerr := launchApp(o.cfg.AppPath); lerr != nil {
		return errors.Join(err, fmt.Errorf("launch obs: %w", lerr))
	}
	time.Sleep(o.cfg.LaunchWait)
	client, err = goobs.New(addr, goobs.WithPassword(o.cfg.Password))
	if err != nil {
		return fmt.Errorf("connect to obs at %s after launch: %w", addr, err)
	}
	o.client = client
	o.log.Info("connected to obs after launch", "addr", addr)
	return nil
}

func (o *OBSClient) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

func (o *OBSClient) closeLocked() {
	if o.client == nil {
		return
	}
	if err := o.client.Disconnect(); err != nil {
		o.log.Debug("error disconnecting from obs", "error", err)
	}
	o.client = nil
}

// do runs fn against a connected client. On a connection-class failure it
// reconnects with bounded retries and runs fn once more.
func (o *OBSClient) do(op string, fn func(c *goobs.Client) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client == nil {
		if err := o.connectLocked(); err != nil {
			return err
		}
	}

	err := fn(o.client)
	if err == nil || !isConnectionError(err) {
		return err
	}

	o.log.Warn("obs request failed, reconnecting", "op", op, "error", err)
	o.closeLocked()

	attempts := o.cfg.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	var cerr error
	for i := 0; i < attempts; i++ {
		if cerr = o.connectLocked(); cerr == nil {
			break
		}
		o.log.Warn("obs reconnect failed", "op", op, "attempt", i+1, "error", cerr)
	}
	if cerr != nil {
		return errors.Join(err, cerr)
	}
	return fn(o.client)
}

// SetStreamSettings points the broadcaster at the RTMP ingest for the new
// window. A still-active output from a previous run is stopped first and
// waited on, since stream settings cannot change mid-output.
func (o *OBSClient) SetStreamSettings(server, key string) error {
	return o.do("SetStreamSettings", func(c *goobs.Client) error {
		status, err := c.Stream.GetStreamStatus()
		if err != nil {
			return err
		}
		if status.OutputActive {
			o.log.Warn("obs output still active from a previous run, stopping it")
			if _, err := c.Stream.StopStream(); err != nil {
				return err
			}
			deadline := time.Now().Add(30 * time.Second)
			for time.Now().Before(deadline) {
				status, err = c.Stream.GetStreamStatus()
				if err != nil {
					return err
				}
				if !status.OutputActive {
					break
				}
				time.Sleep(time.Second)
			}
			if status.OutputActive {
				return fmt.Errorf("previous obs output would not stop")
			}
		}

		_, err = c.Config.SetStreamServiceSettings(obsconfig.NewSetStreamServiceSettingsParams().
			WithStreamServiceType("rtmp_custom").
			WithStreamServiceSettings(&typedefs.StreamServiceSettings{
				Server: server,
				Key:    key,
			}))
		if err != nil {
			return err
		}
		o.log.Info("updated obs stream settings")
		return nil
	})
}

func (o *OBSClient) StartOutput() error {
	return o.do("StartOutput", func(c *goobs.Client) error {
		_, err := c.Stream.StartStream()
		return err
	})
}

func (o *OBSClient) StopOutput() error {
	return o.do("StopOutput", func(c *goobs.Client) error {
		_, err := c.Stream.StopStream()
		return err
	})
}

// OutputHealth reports whether the stream output is currently active.
func (o *OBSClient) OutputHealth() (bool, error) {
	var active bool
	err := o.do("OutputHealth", func(c *goobs.Client) error {
		status, err := c.Stream.GetStreamStatus()
		if err != nil {
			return err
		}
		active = status.OutputActive
		return nil
	})
	return active, err
}

// WaitForOutputActive polls the output status until it reports active or the
// timeout elapses.
func (o *OBSClient) WaitForOutputActive(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		active, err := o.OutputHealth()
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrOutputNotActive
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// ReloadSource refreshes a source in place: browser sources get a
// cache-busting refresh, media sources get their settings re-applied, and
// anything else gets a generic re-apply. Mitigates a display-stability issue
// in long-running browser and media sources.
func (o *OBSClient) ReloadSource(name string) error {
	return o.do("ReloadSource", func(c *goobs.Client) error {
		settings, err := c.Inputs.GetInputSettings(inputs.NewGetInputSettingsParams().WithInputName(name))
		if err != nil {
			return fmt.Errorf("get settings for source %q: %w", name, err)
		}

		switch {
		case settings.InputKind == "browser_source":
			_, err = c.Inputs.PressInputPropertiesButton(inputs.NewPressInputPropertiesButtonParams().
				WithInputName(name).
				WithPropertyName("refreshnocache"))
			if err != nil {
				return fmt.Errorf("refresh browser source %q: %w", name, err)
			}
			o.log.Info("reloaded browser source", "source", name)
		case settings.InputSettings["local_file"] != nil:
			file := settings.InputSettings["local_file"]
			_, err = c.Inputs.SetInputSettings(inputs.NewSetInputSettingsParams().
				WithInputName(name).
				WithInputSettings(map[string]interface{}{"local_file": file}).
				WithOverlay(true))
			if err != nil {
				return fmt.Errorf("reload media source %q: %w", name, err)
			}
			o.log.Info("reloaded media source", "source", name)
		default:
			_, err = c.Inputs.SetInputSettings(inputs.NewSetInputSettingsParams().
				WithInputName(name).
				WithInputSettings(settings.InputSettings).
				WithOverlay(true))
			if err != nil {
				return fmt.Errorf("reload source %q: %w", name, err)
			}
			o.log.Info("reloaded source by re-applying settings", "source", name)
		}
		return nil
	})
}

// SetSourceVisible toggles a scene item in the current program scene.
func (o *OBSClient) SetSourceVisible(source string, visible bool) error {
	return o.do("SetSourceVisible", func(c *goobs.Client) error {
		scene, err := c.Scenes.GetCurrentProgramScene()
		if err != nil {
			return fmt.Errorf("get current scene: %w", err)
		}
		item, err := c.SceneItems.GetSceneItemId(sceneitems.NewGetSceneItemIdParams().
			WithSceneName(scene.CurrentProgramSceneName).
			WithSourceName(source))
		if err != nil {
			return fmt.Errorf("resolve scene item %q: %w", source, err)
		}
		_, err = c.SceneItems.SetSceneItemEnabled(sceneitems.NewSetSceneItemEnabledParams().
			WithSceneName(scene.CurrentProgramSceneName).
			WithSceneItemId(item.SceneItemId).
			WithSceneItemEnabled(visible))
		if err != nil {
			return fmt.Errorf("toggle scene item %q: %w", source, err)
		}
		o.log.Info("set source visibility", "source", source, "visible", visible)
		return nil
	})
}
