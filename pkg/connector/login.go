// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/bridgev2"
)

const loginFlowToken = "token"

// GetLoginFlows returns the available login methods for the bridge.
func (mc *MattermostConnector) GetLoginFlows() []bridgev2.LoginFlow {
	return []bridgev2.LoginFlow{{
		Name:        "Personal Access Token",
		Description: "Log in with a Mattermost personal access token or bot token",
		ID:          loginFlowToken,
	}}
}

// CreateLogin starts a new login process for the given flow.
func (mc *MattermostConnector) CreateLogin(_ context.Context, user *bridgev2.User, flowID string) (bridgev2.LoginProcess, error) {
	if flowID != loginFlowToken {
		return nil, fmt.Errorf("unknown login flow: %s", flowID)
	}
	return &TokenLoginProcess{connector: mc, user: user}, nil
}

// TokenLoginProcess asks for the server URL, then for an access token.
type TokenLoginProcess struct {
	connector *MattermostConnector
	user      *bridgev2.User
	serverURL string
}

var _ bridgev2.LoginProcessUserInput = (*TokenLoginProcess)(nil)

func (t *TokenLoginProcess) Start(_ context.Context) (*bridgev2.LoginStep, error) {
	step := &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeUserInput,
		StepID:       "fi.mau.mattermost.login.server_url",
		Instructions: "Enter your Mattermost server URL (e.g., https://mm.example.com)",
		UserInputParams: &bridgev2.LoginUserInputParams{
			Fields: []bridgev2.LoginInputDataField{{
				Type: bridgev2.LoginInputFieldTypeURL,
				ID:   "server_url",
				Name: "Server URL",
			}},
		},
	}
	if t.connector.Config.ServerURL != "" {
		t.serverURL = t.connector.Config.ServerURL
		return t.tokenStep(), nil
	}
	return step, nil
}

func (t *TokenLoginProcess) tokenStep() *bridgev2.LoginStep {
	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeUserInput,
		StepID:       "fi.mau.mattermost.login.token",
		Instructions: "Enter your Mattermost personal access token",
		UserInputParams: &bridgev2.LoginUserInputParams{
			Fields: []bridgev2.LoginInputDataField{{
				Type: bridgev2.LoginInputFieldTypePassword,
				ID:   "token",
				Name: "Access Token",
			}},
		},
	}
}

func (t *TokenLoginProcess) SubmitUserInput(ctx context.Context, input map[string]string) (*bridgev2.LoginStep, error) {
	if serverURL, ok := input["server_url"]; ok && t.serverURL == "" {
		t.serverURL = strings.TrimRight(serverURL, "/")
		return t.tokenStep(), nil
	}

	token := strings.TrimSpace(input["token"])
	if token == "" {
		return nil, fmt.Errorf("no access token provided")
	}
	result, err := validateTokenLogin(ctx, t.serverURL, token)
	if err != nil {
		return nil, err
	}
	ul, err := t.connector.saveLogin(ctx, t.user, result, t.serverURL, token, fmt.Sprintf("%s @ %s", result.User.Username, t.serverURL))
	if err != nil {
		return nil, err
	}

	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeComplete,
		StepID:       "fi.mau.mattermost.login.complete",
		Instructions: fmt.Sprintf("Logged in as %s on %s", result.User.Username, t.serverURL),
		CompleteParams: &bridgev2.LoginCompleteParams{
			UserLoginID: ul.ID,
			UserLogin:   ul,
		},
	}, nil
}

func (t *TokenLoginProcess) Cancel() {}

// loginResult holds the validated result of a token login attempt.
type loginResult struct {
	User   *model.User
	TeamID string
	Client *model.Client4
}

// validateTokenLogin authenticates with the given serverURL and token,
// retrieves the user profile and teams. Returns the validated result or an error.
func validateTokenLogin(ctx context.Context, serverURL, token string) (*loginResult, error) {
	client := newAPIClient(serverURL, token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	teamID, err := fetchFirstTeamID(ctx, client, me.Id)
	if err != nil {
		return nil, err
	}

	return &loginResult{
		User:   me,
		TeamID: teamID,
		Client: client,
	}, nil
}

// fetchFirstTeamID fetches teams for a user and returns the first team's ID,
// or empty string if the user has no teams.
func fetchFirstTeamID(ctx context.Context, client *model.Client4, userID string) (string, error) {
	teams, _, err := client.GetTeamsForUser(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("failed to get teams: %w", err)
	}
	if len(teams) > 0 {
		return teams[0].Id, nil
	}
	return "", nil
}
