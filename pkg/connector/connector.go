// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/parts"
	"github.com/aiku/mattermost-bridge/pkg/parts/partdb"
)

// MattermostConnector implements bridgev2.NetworkConnector for Mattermost.
type MattermostConnector struct {
	Bridge *bridgev2.Bridge
	Config Config
	// Parts maps Matrix events to the Mattermost posts they were split into.
	Parts parts.Registry

	metrics         *parts.Metrics
	metricsRegistry *prometheus.Registry
}

var _ bridgev2.NetworkConnector = (*MattermostConnector)(nil)

func (mc *MattermostConnector) Init(bridge *bridgev2.Bridge) {
	mc.Bridge = bridge
	mc.initMetrics()
}

func (mc *MattermostConnector) initMetrics() {
	if mc.metricsRegistry != nil {
		return
	}
	mc.metricsRegistry = prometheus.NewRegistry()
	mc.metricsRegistry.MustRegister(collectors.NewGoCollector())
	mc.metrics = parts.NewMetrics(mc.metricsRegistry)
}

func (mc *MattermostConnector) Start(ctx context.Context) error {
	if err := mc.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	mc.initMetrics()
	if mc.Parts == nil {
		registry := partdb.New(mc.Bridge.DB.Database)
		if err := registry.Upgrade(ctx); err != nil {
			return err
		}
		mc.Parts = registry
	}
	go mc.autoLogin(ctx)

	// Start continuous portal watcher for relay setup on new rooms.
	go mc.WatchNewPortals(ctx, 0)

	apiAddr := mc.Config.AdminAPIAddr
	if apiAddr == "" {
		apiAddr = os.Getenv("BRIDGE_API_ADDR")
	}
	if apiAddr != "" {
		server := &http.Server{
			Addr:         apiAddr,
			Handler:      mc.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			mc.Bridge.Log.Info().Str("addr", apiAddr).Msg("Starting bridge admin API")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				mc.Bridge.Log.Error().Err(err).Msg("Bridge admin API error")
			}
		}()
	}

	return nil
}

func (mc *MattermostConnector) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mc.metricsRegistry, promhttp.HandlerOpts{}))
	return mux
}

// autoLogin checks for MATTERMOST_AUTO_TOKEN and MATTERMOST_AUTO_SERVER_URL
// env vars and performs an automatic login if no existing logins are found.
// This allows the bridge to connect on first boot without manual bot interaction.
func (mc *MattermostConnector) autoLogin(ctx context.Context) {
	token := os.Getenv("MATTERMOST_AUTO_TOKEN")
	serverURL := os.Getenv("MATTERMOST_AUTO_SERVER_URL")
	ownerMXID := os.Getenv("MATTERMOST_AUTO_OWNER_MXID")
	if token == "" || serverURL == "" || ownerMXID == "" {
		return
	}

	// Wait for the bridge framework to finish loading existing logins.
	time.Sleep(5 * time.Second)

	existingUsers, err := mc.Bridge.DB.UserLogin.GetAllUserIDsWithLogins(ctx)
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to check existing logins")
		return
	}
	if len(existingUsers) > 0 {
		mc.Bridge.Log.Info().Int("count", len(existingUsers)).Msg("Existing logins found, skipping auto-login")
		return
	}

	mc.Bridge.Log.Info().Str("server_url", serverURL).Msg("Performing auto-login")

	result, err := validateTokenLogin(ctx, serverURL, token)
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to verify token")
		return
	}

	user, err := mc.Bridge.GetUserByMXID(ctx, id.UserID(ownerMXID))
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to get bridge user")
		return
	}

	ul, err := mc.saveLogin(ctx, user, result, serverURL, token, fmt.Sprintf("%s @ %s (auto)", result.User.Username, serverURL))
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login failed")
		return
	}

	mc.Bridge.Log.Info().
		Str("username", result.User.Username).
		Str("server_url", serverURL).
		Msg("Auto-login complete")

	// bridgev2 only hands Matrix messages to HandleMatrixMessage when the
	// portal has a relay or the sender is logged in.
	go mc.autoSetRelay(ctx, ul)
}

// saveLogin stores a validated login and connects it.
func (mc *MattermostConnector) saveLogin(ctx context.Context, user *bridgev2.User, result *loginResult, serverURL, token, remoteName string) (*bridgev2.UserLogin, error) {
	ul, err := user.NewLogin(ctx, &database.UserLogin{
		ID:         MakeUserLoginID(result.User.Id),
		RemoteName: remoteName,
	}, &bridgev2.NewLoginParams{
		LoadUserLogin: mc.LoadUserLogin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create login: %w", err)
	}

	meta := ul.Metadata.(*UserLoginMetadata)
	meta.ServerURL = serverURL
	meta.Token = token
	meta.UserID = result.User.Id
	meta.TeamID = result.TeamID
	if err = ul.Save(ctx); err != nil {
		return nil, fmt.Errorf("failed to save login: %w", err)
	}

	mmClient := ul.Client.(*MattermostClient)
	mmClient.client = result.Client
	mmClient.serverURL = serverURL
	mmClient.userID = result.User.Id
	mmClient.teamID = result.TeamID
	mmClient.Connect(ctx)
	return ul, nil
}

// autoSetRelay sets the auto-login user as the relay for all bridged rooms.
// Runs with retries because portals are created asynchronously during
// Mattermost channel sync after the WebSocket connects.
func (mc *MattermostConnector) autoSetRelay(ctx context.Context, login *bridgev2.UserLogin) {
	// Wait for initial channel sync to create portals.
	time.Sleep(15 * time.Second)

	for attempt := range 3 {
		portals, err := mc.Bridge.GetAllPortalsWithMXID(ctx)
		if err != nil {
			mc.Bridge.Log.Error().Err(err).Msg("Auto-relay: failed to get portals")
			return
		}

		setCount := 0
		for _, portal := range portals {
			if portal.Relay != nil {
				continue
			}
			if err := portal.SetRelay(ctx, login); err != nil {
				mc.Bridge.Log.Warn().Err(err).
					Str("portal_mxid", string(portal.MXID)).
					Msg("Auto-relay: failed to set relay")
			} else {
				setCount++
			}
		}

		mc.Bridge.Log.Info().
			Int("set_count", setCount).
			Int("total_portals", len(portals)).
			Int("attempt", attempt+1).
			Msg("Auto-relay: updated portals")

		if attempt < 2 {
			time.Sleep(30 * time.Second)
		}
	}
}

func (mc *MattermostConnector) LoadUserLogin(_ context.Context, login *bridgev2.UserLogin) error {
	login.Client = NewMattermostClient(login, mc)
	return nil
}

func (mc *MattermostConnector) GetName() bridgev2.BridgeName {
	return bridgev2.BridgeName{
		DisplayName:      "Mattermost",
		NetworkURL:       "https://mattermost.com",
		NetworkIcon:      "mxc://maunium.net/mattermost",
		NetworkID:        "mattermost",
		BeeperBridgeType: "mattermost",
		DefaultPort:      29319,
	}
}

func (mc *MattermostConnector) GetDBMetaTypes() database.MetaTypes {
	return database.MetaTypes{
		Message: func() any {
			return &MessageMetadata{}
		},
		UserLogin: func() any {
			return &UserLoginMetadata{}
		},
	}
}

func (mc *MattermostConnector) GetCapabilities() *bridgev2.NetworkGeneralCapabilities {
	return &bridgev2.NetworkGeneralCapabilities{
		DisappearingMessages: false,
		AggressiveUpdateInfo: false,
	}
}

func (mc *MattermostConnector) GetBridgeInfoVersion() (info, capabilities int) {
	return 1, 2
}

// UserLoginMetadata stores Mattermost-specific login data.
type UserLoginMetadata struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	TeamID    string `json:"team_id"`
}

// MakeUserLoginID creates a UserLoginID from a Mattermost user ID.
func MakeUserLoginID(userID string) networkid.UserLoginID {
	return networkid.UserLoginID(userID)
}

// ParseUserLoginID extracts the Mattermost user ID from a UserLoginID.
func ParseUserLoginID(loginID networkid.UserLoginID) string {
	return string(loginID)
}

// WatchNewPortals periodically checks for new portal rooms that don't have
// relay set, and sets the relay user on them.
//
// The interval parameter controls how often the check runs. Pass 0 to use
// the default of 60 seconds.
func (mc *MattermostConnector) WatchNewPortals(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}

	mc.Bridge.Log.Info().
		Dur("interval", interval).
		Msg("Starting WatchNewPortals loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mc.Bridge.Log.Info().Msg("WatchNewPortals stopped")
			return
		case <-ticker.C:
			mc.checkAndSetRelay(ctx)
		}
	}
}

// checkAndSetRelay scans portal rooms and sets relay on any that lack it.
func (mc *MattermostConnector) checkAndSetRelay(ctx context.Context) {
	if mc.Bridge == nil || mc.Bridge.DB == nil {
		return
	}
	portals, err := mc.Bridge.GetAllPortalsWithMXID(ctx)
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("WatchNewPortals: failed to get portals")
		return
	}

	relay := mc.anyLogin(ctx)
	if relay == nil {
		return
	}

	setCount := 0
	for _, portal := range portals {
		if portal.Relay != nil {
			continue
		}
		if err := portal.SetRelay(ctx, relay); err != nil {
			mc.Bridge.Log.Warn().Err(err).
				Str("portal_mxid", string(portal.MXID)).
				Msg("WatchNewPortals: failed to set relay")
		} else {
			setCount++
		}
	}

	if setCount > 0 {
		mc.Bridge.Log.Info().
			Int("set_count", setCount).
			Int("total_portals", len(portals)).
			Msg("WatchNewPortals: set relay on new portals")
	}
}

// anyLogin returns the first loaded user login, or nil.
func (mc *MattermostConnector) anyLogin(ctx context.Context) *bridgev2.UserLogin {
	loginUsers, err := mc.Bridge.DB.UserLogin.GetAllUserIDsWithLogins(ctx)
	if err != nil {
		return nil
	}
	for _, userID := range loginUsers {
		user, err := mc.Bridge.GetUserByMXID(ctx, userID)
		if err != nil {
			continue
		}
		if logins := user.GetUserLogins(); len(logins) > 0 {
			return logins[0]
		}
	}
	return nil
}

// newAPIClient returns an authenticated REST client.
func newAPIClient(serverURL, token string) *model.Client4 {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return client
}
